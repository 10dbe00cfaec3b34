package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/easysave/easysave/internal/store/constants"
	"github.com/easysave/easysave/internal/store/types"
)

var (
	ErrSourceNotFound  = errors.New("source directory not found")
	ErrSourceNotDir    = errors.New("source is not a directory")
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Operation is a single file copy from the source tree to the target tree.
type Operation struct {
	RelativePath string
	Size         int64
	ModTime      time.Time
}

// Result is the outcome of planning a run.
type Result struct {
	Operations []Operation
	// Skipped holds files that vanished between listing and inspection.
	Skipped []string
	// Unchanged holds the files a differential plan left out.
	Unchanged  []string
	TotalBytes int64
}

// Plan lists the copy operations a run of kind must perform, ordered
// lexicographically by slash-separated relative path. Full plans every
// regular file under sourceRoot. Differential plans only the files that
// differ from the prior manifest or, lacking an entry, from the target tree.
// Files present only in the target are never planned.
func Plan(ctx context.Context, kind types.Strategy, sourceRoot, targetRoot string, prior types.Manifest, excl *Matcher) (*Result, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, kind)
	}

	info, err := os.Stat(sourceRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceNotFound, sourceRoot, err)
		}
		return nil, fmt.Errorf("stat source %s: %w", sourceRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotDir, sourceRoot)
	}

	result := &Result{}
	err = filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if walkErr != nil {
			if path != sourceRoot && errors.Is(walkErr, fs.ErrNotExist) {
				result.Skipped = append(result.Skipped, relativeSlash(sourceRoot, path))
				return nil
			}
			return walkErr
		}
		if path == sourceRoot {
			return nil
		}

		rel := relativeSlash(sourceRoot, path)
		if excl.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if IsTempFile(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				result.Skipped = append(result.Skipped, rel)
				return nil
			}
			return err
		}

		op := Operation{RelativePath: rel, Size: fi.Size(), ModTime: fi.ModTime()}
		if kind == types.StrategyDifferential {
			changed, err := differs(path, filepath.Join(targetRoot, filepath.FromSlash(rel)), op, prior)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					result.Skipped = append(result.Skipped, rel)
					return nil
				}
				return err
			}
			if !changed {
				result.Unchanged = append(result.Unchanged, rel)
				return nil
			}
		}

		result.Operations = append(result.Operations, op)
		result.TotalBytes += op.Size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", sourceRoot, err)
	}

	sort.Slice(result.Operations, func(i, j int) bool {
		return result.Operations[i].RelativePath < result.Operations[j].RelativePath
	})

	return result, nil
}

// differs compares a source file with its reference copy. The manifest entry
// is preferred over the target file when one exists. Content is hashed only
// when the sizes match and the modification times do not.
func differs(srcPath, dstPath string, op Operation, prior types.Manifest) (bool, error) {
	dst, err := os.Stat(dstPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("stat target %s: %w", dstPath, err)
	}
	if !dst.Mode().IsRegular() {
		return true, nil
	}

	if entry, ok := prior[op.RelativePath]; ok {
		if entry.Size != op.Size {
			return true, nil
		}
		if entry.ModTime == op.ModTime.UnixNano() {
			return false, nil
		}
		srcHash, err := HashFile(srcPath)
		if err != nil {
			return false, err
		}
		return srcHash != entry.Hash, nil
	}

	if dst.Size() != op.Size {
		return true, nil
	}
	if dst.ModTime().Equal(op.ModTime) {
		return false, nil
	}

	srcHash, err := HashFile(srcPath)
	if err != nil {
		return false, err
	}
	dstHash, err := HashFile(dstPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("hash target %s: %w", dstPath, err)
	}
	return srcHash != dstHash, nil
}

func relativeSlash(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return filepath.ToSlash(rel)
}

// IsTempFile reports whether name is a partial copy left by the copy worker:
// "." + target name + TempFileMarker + the random digits os.CreateTemp adds.
func IsTempFile(name string) bool {
	if !strings.HasPrefix(name, ".") {
		return false
	}
	i := strings.LastIndex(name, constants.TempFileMarker)
	if i < 2 {
		return false
	}
	suffix := name[i+len(constants.TempFileMarker):]
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
