package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/easysave/easysave/internal/backend/strategy"
	"github.com/easysave/easysave/internal/metrics"
	"github.com/easysave/easysave/internal/store/constants"
	"github.com/easysave/easysave/internal/store/types"
	"github.com/easysave/easysave/internal/syslog"
	"github.com/easysave/easysave/internal/utils"
)

// Repository is the durable store of job definitions and manifests.
type Repository interface {
	GetAllJobs() ([]types.BackupJob, error)
	CreateJob(job types.BackupJob) error
	DeleteJob(name string) error
	GetManifest(name string) (types.Manifest, error)
	ReplaceManifest(name string, manifest types.Manifest) error
}

// EventSink receives operation events. Append must not block.
type EventSink interface {
	Append(ev syslog.Event)
}

type Options struct {
	// MaxConcurrentJobs bounds the runs copying at once. Zero is unlimited.
	MaxConcurrentJobs int
	// BandwidthLimit caps the bytes per second written by all runs. Zero is
	// unlimited.
	BandwidthLimit int64
	// FreeSpace overrides the free space lookup used before copying.
	FreeSpace func(path string) (uint64, error)
}

type jobEntry struct {
	def types.BackupJob
	run atomic.Pointer[JobRun]
}

// Manager owns the job definitions and their runs. Definitions and runs are
// only reachable through its methods.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	repo   Repository
	events EventSink

	mu     sync.Mutex
	jobs   *xsync.MapOf[string, *jobEntry]
	closed bool
	wg     sync.WaitGroup

	semaphore chan struct{}
	limiter   *rate.Limiter
	freeSpace func(path string) (uint64, error)
}

// NewManager loads every stored job definition. Runs started by the Manager
// live until they finish, are stopped, or ctx is canceled.
func NewManager(ctx context.Context, repo Repository, events EventSink, opts Options) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("NewManager: repository is required")
	}

	stored, err := repo.GetAllJobs()
	if err != nil {
		return nil, fmt.Errorf("NewManager: failed to load jobs: %w", err)
	}

	newCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:       newCtx,
		cancel:    cancel,
		repo:      repo,
		events:    events,
		jobs:      xsync.NewMapOf[string, *jobEntry](),
		freeSpace: opts.FreeSpace,
	}

	if m.freeSpace == nil {
		m.freeSpace = utils.FreeSpace
	}
	if opts.MaxConcurrentJobs > 0 {
		m.semaphore = make(chan struct{}, opts.MaxConcurrentJobs)
	}
	if opts.BandwidthLimit > 0 {
		burst := int(opts.BandwidthLimit)
		if burst < constants.CopyBufferSize {
			burst = constants.CopyBufferSize
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}

	for _, job := range stored {
		m.jobs.Store(job.Name, &jobEntry{def: job})
	}

	syslog.L.Info().WithMessage("backup manager ready").WithField("jobs", len(stored)).Write()
	return m, nil
}

func (m *Manager) emit(ev syslog.Event) {
	if m.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.events.Append(ev)
}

// validateJob checks a definition and returns it in normalized form.
func validateJob(job types.BackupJob) (types.BackupJob, error) {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return job, fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if strings.ContainsAny(job.Name, ":\r\n") {
		return job, fmt.Errorf("%w: %q must not contain ':' or line breaks", ErrInvalidName, job.Name)
	}

	kind, err := types.ParseStrategy(string(job.Strategy))
	if err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}
	job.Strategy = kind

	if strings.TrimSpace(job.SourceDir) == "" {
		return job, fmt.Errorf("%w: source is empty", ErrInvalidSource)
	}
	source, err := filepath.Abs(job.SourceDir)
	if err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	info, err := os.Stat(source)
	if err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if !info.IsDir() {
		return job, fmt.Errorf("%w: %s is not a directory", ErrInvalidSource, source)
	}
	job.SourceDir = source

	if strings.TrimSpace(job.TargetDir) == "" {
		return job, fmt.Errorf("%w: target is empty", ErrInvalidTarget)
	}
	target, err := filepath.Abs(job.TargetDir)
	if err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if rel, err := filepath.Rel(source, target); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return job, fmt.Errorf("%w: %s is inside the source %s", ErrInvalidTarget, target, source)
	}
	job.TargetDir = target

	matcher, err := strategy.NewMatcher(job.Exclusions)
	if err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidExclusion, err)
	}
	job.Exclusions = matcher.Patterns()

	return job, nil
}

// AddJob validates and persists a new job definition and returns it as
// stored.
func (m *Manager) AddJob(ctx context.Context, job types.BackupJob) (types.BackupJob, error) {
	job, err := validateJob(job)
	if err != nil {
		return types.BackupJob{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.BackupJob{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.BackupJob{}, ErrManagerClosed
	}
	if _, exists := m.jobs.Load(job.Name); exists {
		return types.BackupJob{}, fmt.Errorf("%w: %s", ErrDuplicateName, job.Name)
	}

	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().Unix()
	}
	if err := m.repo.CreateJob(job); err != nil {
		return types.BackupJob{}, fmt.Errorf("%w: saving job %s: %v", ErrIoFailure, job.Name, err)
	}
	m.jobs.Store(job.Name, &jobEntry{def: job})

	syslog.L.Info().WithJob(job.Name).WithMessage("job added").
		WithFields(map[string]interface{}{
			"source":   job.SourceDir,
			"target":   job.TargetDir,
			"strategy": string(job.Strategy),
		}).Write()
	m.emit(syslog.Event{Job: job.Name, Kind: syslog.EventJobAdded, Message: fmt.Sprintf("%s -> %s (%s)", job.SourceDir, job.TargetDir, job.Strategy)})

	return job, nil
}

// RemoveJob deletes a job definition and its manifest. Active jobs must be
// stopped first.
func (m *Manager) RemoveJob(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if run := entry.run.Load(); run != nil {
		if state := run.State(); state.Active() {
			return fmt.Errorf("%w: %s is %s", ErrJobActive, name, state)
		}
	}

	if err := m.repo.DeleteJob(name); err != nil {
		return fmt.Errorf("%w: deleting job %s: %v", ErrIoFailure, name, err)
	}
	m.jobs.Delete(name)
	metrics.ForgetJob(name)

	syslog.L.Info().WithJob(name).WithMessage("job removed").Write()
	m.emit(syslog.Event{Job: name, Kind: syslog.EventJobRemoved})

	return nil
}

// GetJobs returns the status of every job sorted by name. Jobs that never
// ran in this process are Idle at 0.
func (m *Manager) GetJobs() []StatusEntry {
	statuses := m.statuses()
	entries := make([]StatusEntry, len(statuses))
	for i, st := range statuses {
		entries[i] = st.StatusEntry
	}
	return entries
}

func (m *Manager) statuses() []Status {
	statuses := make([]Status, 0, m.jobs.Size())
	m.jobs.Range(func(_ string, entry *jobEntry) bool {
		statuses = append(statuses, entry.status())
		return true
	})
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

func (e *jobEntry) status() Status {
	if run := e.run.Load(); run != nil {
		return run.Snapshot()
	}
	return idleStatus(e.def)
}

// Status returns the extended snapshot of one job.
func (m *Manager) Status(name string) (Status, error) {
	entry, ok := m.jobs.Load(name)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry.status(), nil
}

// Job returns the stored definition of a job.
func (m *Manager) Job(name string) (types.BackupJob, error) {
	entry, ok := m.jobs.Load(name)
	if !ok {
		return types.BackupJob{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry.def, nil
}

// StartJob begins a fresh run of a job in the background.
func (m *Manager) StartJob(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	entry, ok := m.jobs.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if prev := entry.run.Load(); prev != nil {
		if state := prev.State(); state.Active() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, name, state)
		}
	}

	run := newJobRun(m.ctx, entry.def, m.events)
	if err := run.start(); err != nil {
		run.cancel()
		return err
	}
	entry.run.Store(run)

	env := runEnv{
		repo:      m.repo,
		limiter:   m.limiter,
		semaphore: m.semaphore,
		freeSpace: m.freeSpace,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run.execute(env)
	}()

	return nil
}

// activeRun returns the run a control command applies to. A job that never
// ran in this process, or whose last run already ended, has none.
func (m *Manager) activeRun(name string) (*JobRun, error) {
	entry, ok := m.jobs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	run := entry.run.Load()
	if run == nil || run.State().Terminal() {
		return nil, fmt.Errorf("%w: %s has no active run", ErrNotFound, name)
	}
	return run, nil
}

func (m *Manager) Pause(name string) error {
	run, err := m.activeRun(name)
	if err != nil {
		return err
	}
	return run.Pause()
}

func (m *Manager) Resume(name string) error {
	run, err := m.activeRun(name)
	if err != nil {
		return err
	}
	return run.Resume()
}

// Stop requests the active run of a job to stop. The job reports Stopping
// until the worker has exited.
func (m *Manager) Stop(name string) error {
	run, err := m.activeRun(name)
	if err != nil {
		return err
	}
	return run.Stop()
}

// Wait blocks until the current run of a job has exited. It returns at once
// when the job never ran.
func (m *Manager) Wait(ctx context.Context, name string) error {
	entry, ok := m.jobs.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	run := entry.run.Load()
	if run == nil {
		return nil
	}

	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every active run and waits for the workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.jobs.Range(func(name string, entry *jobEntry) bool {
			if run := entry.run.Load(); run != nil {
				if err := run.Stop(); err == nil {
					syslog.L.Info().WithJob(name).WithMessage("stopping run for shutdown").Write()
				}
			}
			return true
		})
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
}
