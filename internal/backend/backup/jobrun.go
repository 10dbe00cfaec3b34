package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/easysave/easysave/internal/store/types"
	"github.com/easysave/easysave/internal/syslog"
)

// Sentinel error values.
var (
	ErrDuplicateName     = errors.New("a job with this name already exists")
	ErrInvalidName       = errors.New("invalid job name")
	ErrInvalidSource     = errors.New("source directory is missing or not a directory")
	ErrInvalidTarget     = errors.New("invalid target directory")
	ErrInvalidStrategy   = errors.New("invalid strategy")
	ErrInvalidExclusion  = errors.New("invalid exclusion pattern")
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyRunning    = errors.New("job is already running")
	ErrJobActive         = errors.New("job is active; stop it first")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrIoFailure         = errors.New("i/o failure")
	ErrManagerClosed     = errors.New("manager is closed")

	errStopRequested = errors.New("stop requested")
)

type State string

const (
	StateIdle      State = "Idle"
	StateRunning   State = "Running"
	StatePaused    State = "Paused"
	StateStopping  State = "Stopping"
	StateStopped   State = "Stopped"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
)

// Active reports whether a worker owns the run.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused || s == StateStopping
}

func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StatePaused, StateStopping, StateCompleted, StateFailed},
	StatePaused:   {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateStopped},
}

func isValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobRun is one execution of a job. Control calls mutate its state; the
// worker started by the Manager observes it between chunks and files.
type JobRun struct {
	Job   types.BackupJob
	RunID string

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	events EventSink

	mu          sync.Mutex
	state       State
	progression float64
	currentFile string
	filesDone   int
	filesTotal  int
	bytesDone   int64
	bytesTotal  int64
	startedAt   time.Time
	endedAt     time.Time
	lastErr     error
}

func newJobRun(parent context.Context, job types.BackupJob, events EventSink) *JobRun {
	ctx, cancel := context.WithCancel(parent)
	return &JobRun{
		Job:    job,
		RunID:  uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		events: events,
		state:  StateIdle,
	}
}

// Done is closed once the worker has exited.
func (r *JobRun) Done() <-chan struct{} {
	return r.done
}

func (r *JobRun) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *JobRun) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.transitionLocked(StateRunning); err != nil {
		return err
	}
	r.startedAt = time.Now()
	return nil
}

// Pause suspends the run at the next chunk or file boundary.
func (r *JobRun) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return r.invalidLocked(StatePaused)
	}
	return r.transitionLocked(StatePaused)
}

func (r *JobRun) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePaused {
		return r.invalidLocked(StateRunning)
	}
	if err := r.transitionLocked(StateRunning); err != nil {
		return err
	}
	r.signal()
	return nil
}

// Stop requests cancellation. The state is Stopping until the worker exits.
func (r *JobRun) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning && r.state != StatePaused {
		return r.invalidLocked(StateStopping)
	}
	if err := r.transitionLocked(StateStopping); err != nil {
		return err
	}
	r.cancel()
	r.signal()
	return nil
}

func (r *JobRun) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *JobRun) invalidLocked(to State) error {
	return fmt.Errorf("%w: %s cannot go from %s to %s", ErrInvalidTransition, r.Job.Name, r.state, to)
}

func (r *JobRun) transitionLocked(to State) error {
	if !isValidTransition(r.state, to) {
		return r.invalidLocked(to)
	}

	from := r.state
	r.state = to

	syslog.L.Info().
		WithJob(r.Job.Name).
		WithMessage("job state changed").
		WithField("run", r.RunID).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Write()

	ev := syslog.Event{Kind: syslog.EventState, State: string(to)}
	if to == StateFailed && r.lastErr != nil {
		ev.Err = r.lastErr
	}
	if to.Terminal() && !r.startedAt.IsZero() {
		ev.Duration = time.Since(r.startedAt)
	}
	r.emit(ev)
	return nil
}

func (r *JobRun) emit(ev syslog.Event) {
	if r.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Job = r.Job.Name
	ev.RunID = r.RunID
	r.events.Append(ev)
}

// update runs fn under the run lock once the run is Running. It blocks while
// the run is Paused and fails with errStopRequested once a stop was asked
// for, so progress never moves while paused.
func (r *JobRun) update(fn func()) error {
	for {
		r.mu.Lock()
		switch r.state {
		case StateRunning:
			if fn != nil {
				fn()
			}
			r.mu.Unlock()
			return nil
		case StatePaused:
			r.mu.Unlock()
			select {
			case <-r.wake:
			case <-r.ctx.Done():
				return r.ctx.Err()
			}
		default:
			r.mu.Unlock()
			return errStopRequested
		}
	}
}

func (r *JobRun) checkpoint() error {
	return r.update(nil)
}

func (r *JobRun) setTotals(files int, bytes int64) error {
	return r.update(func() {
		r.filesTotal = files
		r.bytesTotal = bytes
	})
}

func (r *JobRun) setCurrentFile(rel string) error {
	return r.update(func() {
		r.currentFile = rel
	})
}

// commit records one finished operation and recomputes the progression.
func (r *JobRun) commit(size int64) error {
	return r.update(func() {
		r.filesDone++
		r.bytesDone += size

		var p float64
		switch {
		case r.bytesTotal > 0:
			p = float64(r.bytesDone) / float64(r.bytesTotal) * 100
		case r.filesTotal > 0:
			p = float64(r.filesDone) / float64(r.filesTotal) * 100
		}
		if p > 100 {
			p = 100
		}
		if p > r.progression {
			r.progression = p
		}
	})
}

func (r *JobRun) complete() error {
	var err error
	updateErr := r.update(func() {
		err = r.transitionLocked(StateCompleted)
		if err == nil {
			r.progression = 100
			r.currentFile = ""
			r.endedAt = time.Now()
		}
	})
	if updateErr != nil {
		return updateErr
	}
	return err
}

// finish moves the run to its final state after the copy loop returned err.
func (r *JobRun) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return
	}

	stopped := r.state == StateStopping ||
		errors.Is(err, errStopRequested) ||
		errors.Is(err, context.Canceled)

	if stopped {
		if r.state == StateRunning || r.state == StatePaused {
			_ = r.transitionLocked(StateStopping)
		}
		r.progression = 0
		r.currentFile = ""
		r.endedAt = time.Now()
		_ = r.transitionLocked(StateStopped)
		return
	}

	if err == nil {
		err = fmt.Errorf("%w: run ended without completing", ErrIoFailure)
	}
	r.lastErr = err
	r.currentFile = ""
	r.endedAt = time.Now()
	_ = r.transitionLocked(StateFailed)
}

// Snapshot returns a consistent copy of the run's status fields.
func (r *JobRun) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		StatusEntry: StatusEntry{
			Name:        r.Job.Name,
			State:       r.state,
			Progression: r.progression,
		},
		Strategy:    r.Job.Strategy,
		SourceDir:   r.Job.SourceDir,
		TargetDir:   r.Job.TargetDir,
		RunID:       r.RunID,
		CurrentFile: r.currentFile,
		FilesDone:   r.filesDone,
		FilesTotal:  r.filesTotal,
		BytesDone:   r.bytesDone,
		BytesTotal:  r.bytesTotal,
		StartedAt:   r.startedAt,
		EndedAt:     r.endedAt,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}
