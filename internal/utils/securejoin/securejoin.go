package securejoin

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

var (
	ErrNotAllowed  = errors.New("path component not allowed")
	ErrSymlinkLoop = errors.New("symbolic link loop detected")
	ErrNotAbsolute = errors.New("base directory must be absolute")
)

// within reports whether path is baseDir or lies below it.
func within(baseDir, path string) bool {
	if path == baseDir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(baseDir, string(filepath.Separator))+string(filepath.Separator))
}

// SecureJoin joins a slash separated relative path onto baseDir. Existing
// components are resolved through their symlinks and must stay under
// baseDir. Components that do not exist yet are joined as is.
func SecureJoin(baseDir, unsafePath string) (string, error) {
	if !filepath.IsAbs(baseDir) {
		return "", ErrNotAbsolute
	}
	baseDir = filepath.Clean(baseDir)

	root := baseDir
	if eval, err := filepath.EvalSymlinks(baseDir); err == nil {
		root = eval
	}

	unsafePath = filepath.ToSlash(unsafePath)
	if strings.HasPrefix(unsafePath, "/") || filepath.VolumeName(unsafePath) != "" {
		return "", ErrNotAllowed
	}

	resolved := root
	visited := make(map[string]bool)

	for _, part := range strings.Split(unsafePath, "/") {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return "", ErrNotAllowed
		}

		next := filepath.Join(resolved, part)

		eval, err := filepath.EvalSymlinks(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				resolved = next
				continue
			}
			return "", err
		}

		if visited[eval] {
			return "", ErrSymlinkLoop
		}
		visited[eval] = true

		if !within(root, eval) {
			return "", ErrNotAllowed
		}
		resolved = eval
	}

	return resolved, nil
}
