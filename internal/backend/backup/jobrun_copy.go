package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"

	"github.com/easysave/easysave/internal/backend/strategy"
	"github.com/easysave/easysave/internal/metrics"
	"github.com/easysave/easysave/internal/store/constants"
	"github.com/easysave/easysave/internal/store/types"
	"github.com/easysave/easysave/internal/syslog"
	"github.com/easysave/easysave/internal/utils"
	"github.com/easysave/easysave/internal/utils/securejoin"
)

var errVanished = errors.New("source file vanished")

// runEnv carries the Manager resources a worker needs.
type runEnv struct {
	repo      Repository
	limiter   *rate.Limiter
	semaphore chan struct{}
	freeSpace func(path string) (uint64, error)
}

// execute is the worker body of a run. It always leaves the run in a
// terminal state and closes Done.
func (r *JobRun) execute(env runEnv) {
	defer close(r.done)
	defer r.cancel()

	metrics.TrackActiveRun(true)
	defer metrics.TrackActiveRun(false)

	if env.semaphore != nil {
		select {
		case env.semaphore <- struct{}{}:
			defer func() { <-env.semaphore }()
		case <-r.ctx.Done():
			r.finish(r.ctx.Err())
			r.record()
			return
		}
	}

	err := r.copyAll(env)
	if err != nil && !errors.Is(err, errStopRequested) && !errors.Is(err, r.ctx.Err()) {
		syslog.L.Error(err).WithJob(r.Job.Name).WithMessage("backup run failed").WithField("run", r.RunID).Write()
		r.emit(syslog.Event{Kind: syslog.EventError, Err: err})
	}
	r.finish(err)
	r.record()
}

func (r *JobRun) record() {
	st := r.Snapshot()
	metrics.RecordRunFinished(r.Job.Name, string(st.State), st.EndedAt.Sub(st.StartedAt).Seconds())
}

func (r *JobRun) copyAll(env runEnv) error {
	if err := r.checkpoint(); err != nil {
		return err
	}

	excl, err := strategy.NewMatcher(r.Job.Exclusions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExclusion, err)
	}

	var prior types.Manifest
	if r.Job.Strategy == types.StrategyDifferential {
		prior, err = env.repo.GetManifest(r.Job.Name)
		if err != nil {
			return fmt.Errorf("%w: loading manifest: %v", ErrIoFailure, err)
		}
	}

	plan, err := strategy.Plan(r.ctx, r.Job.Strategy, r.Job.SourceDir, r.Job.TargetDir, prior, excl)
	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrIoFailure, err)
	}

	for _, rel := range plan.Skipped {
		r.skipped(rel)
	}

	if err := os.MkdirAll(r.Job.TargetDir, 0755); err != nil {
		return fmt.Errorf("%w: creating target: %v", ErrIoFailure, err)
	}
	if err := r.preflight(env, plan); err != nil {
		return err
	}

	if err := r.setTotals(len(plan.Operations), plan.TotalBytes); err != nil {
		return err
	}

	manifest := make(types.Manifest, len(plan.Operations)+len(plan.Unchanged))
	for _, rel := range plan.Unchanged {
		if entry, ok := prior[rel]; ok {
			manifest[rel] = entry
		}
	}

	buf := make([]byte, constants.CopyBufferSize)
	for _, op := range plan.Operations {
		if err := r.checkpoint(); err != nil {
			return err
		}
		if err := r.setCurrentFile(op.RelativePath); err != nil {
			return err
		}

		started := time.Now()
		entry, err := r.copyFile(env, op, buf)
		switch {
		case errors.Is(err, errVanished):
			r.skipped(op.RelativePath)
		case err != nil:
			return err
		default:
			manifest[op.RelativePath] = entry
			metrics.RecordCopy(r.Job.Name, entry.Size)
			r.emit(syslog.Event{
				Kind:     syslog.EventFileCopied,
				File:     op.RelativePath,
				Size:     entry.Size,
				Duration: time.Since(started),
			})
		}

		if err := r.commit(op.Size); err != nil {
			return err
		}
	}

	if err := r.checkpoint(); err != nil {
		return err
	}
	if err := env.repo.ReplaceManifest(r.Job.Name, manifest); err != nil {
		return fmt.Errorf("%w: saving manifest: %v", ErrIoFailure, err)
	}

	return r.complete()
}

func (r *JobRun) skipped(rel string) {
	syslog.L.Warn().WithJob(r.Job.Name).WithMessage("source file vanished, skipping").WithField("file", rel).Write()
	metrics.RecordSkip(r.Job.Name)
	r.emit(syslog.Event{Kind: syslog.EventFileSkipped, File: rel, Message: errVanished.Error()})
}

// preflight fails the run when the target volume cannot hold the bytes the
// plan adds on top of the files it replaces.
func (r *JobRun) preflight(env runEnv, plan *strategy.Result) error {
	if env.freeSpace == nil || plan.TotalBytes == 0 {
		return nil
	}

	var required int64
	for _, op := range plan.Operations {
		grow := op.Size
		if fi, err := os.Stat(r.targetPath(op.RelativePath)); err == nil && fi.Mode().IsRegular() {
			grow -= fi.Size()
		}
		if grow > 0 {
			required += grow
		}
	}

	free, err := env.freeSpace(r.Job.TargetDir)
	if err != nil {
		syslog.L.Warn().WithJob(r.Job.Name).WithMessage("free space check unavailable").WithField("error", err.Error()).Write()
		return nil
	}
	if uint64(required) > free {
		return fmt.Errorf("%w: target needs %s but only %s is free", ErrIoFailure,
			utils.HumanizeBytes(uint64(required)), utils.HumanizeBytes(free))
	}
	return nil
}

func (r *JobRun) sourcePath(rel string) string {
	return filepath.Join(r.Job.SourceDir, filepath.FromSlash(rel))
}

func (r *JobRun) targetPath(rel string) string {
	return filepath.Join(r.Job.TargetDir, filepath.FromSlash(rel))
}

// copyFile copies one source file to a temporary sibling of its target and
// renames it into place once the content is complete. The temporary file is
// removed on any failure or stop.
func (r *JobRun) copyFile(env runEnv, op strategy.Operation, buf []byte) (types.ManifestEntry, error) {
	src := r.sourcePath(op.RelativePath)
	dst, err := securejoin.SecureJoin(r.Job.TargetDir, op.RelativePath)
	if err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: target path for %s: %v", ErrIoFailure, op.RelativePath, err)
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.ManifestEntry{}, fmt.Errorf("%w: %s", errVanished, op.RelativePath)
		}
		return types.ManifestEntry{}, fmt.Errorf("%w: open source %s: %v", ErrIoFailure, op.RelativePath, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: stat source %s: %v", ErrIoFailure, op.RelativePath, err)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: create directory %s: %v", ErrIoFailure, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+constants.TempFileMarker+"*")
	if err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: create temporary file in %s: %v", ErrIoFailure, dir, err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	hasher := xxh3.New()
	written, err := r.copyChunks(env, io.MultiWriter(tmp, hasher), in, buf)
	if err != nil {
		return types.ManifestEntry{}, err
	}

	if err := tmp.Sync(); err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: sync %s: %v", ErrIoFailure, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: close %s: %v", ErrIoFailure, tmpName, err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: chmod %s: %v", ErrIoFailure, tmpName, err)
	}
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: chtimes %s: %v", ErrIoFailure, tmpName, err)
	}

	// a stop that arrived during the last chunk abandons the file
	if err := r.ctx.Err(); err != nil {
		return types.ManifestEntry{}, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return types.ManifestEntry{}, fmt.Errorf("%w: rename into %s: %v", ErrIoFailure, dst, err)
	}
	renamed = true

	return types.ManifestEntry{
		Path:    op.RelativePath,
		Size:    written,
		ModTime: info.ModTime().UnixNano(),
		Hash:    hasher.Sum64(),
	}, nil
}

// copyChunks streams src into dst one buffer at a time. Pause is honored and
// stop is observed between chunks.
func (r *JobRun) copyChunks(env runEnv, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		if err := r.ctx.Err(); err != nil {
			return written, err
		}
		if err := r.checkpoint(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			if err := r.throttle(env.limiter, nr); err != nil {
				return written, err
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("%w: write: %v", ErrIoFailure, werr)
			}
			if nw != nr {
				return written, fmt.Errorf("%w: write: %v", ErrIoFailure, io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read: %v", ErrIoFailure, rerr)
		}
	}
}

func (r *JobRun) throttle(limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	burst := limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(r.ctx, take); err != nil {
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: throttle: %v", ErrIoFailure, err)
		}
		n -= take
	}
	return nil
}
