package syslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
)

type EventKind string

const (
	EventJobAdded    EventKind = "job_added"
	EventJobRemoved  EventKind = "job_removed"
	EventState       EventKind = "state"
	EventFileCopied  EventKind = "file_copied"
	EventFileSkipped EventKind = "file_skipped"
	EventError       EventKind = "error"
)

// Event is one durable record of something that happened to a job.
type Event struct {
	Time     time.Time
	Job      string
	RunID    string
	Kind     EventKind
	State    string
	File     string
	Size     int64
	Duration time.Duration
	Message  string
	Err      error
}

const defaultEventBuffer = 4096

// EventLog appends events as JSON lines to one file per job under dir.
// Append never blocks: events are queued for a single writer goroutine and
// dropped (and counted) when the queue is full.
type EventLog struct {
	dir     string
	events  chan Event
	loggers *xsync.MapOf[string, *jobLogger]
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type jobLogger struct {
	file *os.File
	zlog zerolog.Logger
}

func NewEventLog(dir string, buffer int) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("NewEventLog: failed to create log dir: %w", err)
	}
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	el := &EventLog{
		dir:     dir,
		events:  make(chan Event, buffer),
		loggers: xsync.NewMapOf[string, *jobLogger](),
		done:    make(chan struct{}),
	}
	go el.writer()

	return el, nil
}

// Append queues ev for writing. It is safe to call after Close.
func (el *EventLog) Append(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	el.mu.RLock()
	defer el.mu.RUnlock()

	if el.closed {
		el.dropped.Add(1)
		return
	}

	select {
	case el.events <- ev:
	default:
		el.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full
// or the log was closed.
func (el *EventLog) Dropped() uint64 {
	return el.dropped.Load()
}

// Path returns the file events for the given job are written to. The raw
// name's hash keeps jobs whose sanitized names collide in separate files.
func (el *EventLog) Path(job string) string {
	return filepath.Join(el.dir, fmt.Sprintf("%s-%08x.jsonl", sanitizeFileName(job), uint32(xxh3.HashString(job))))
}

// Close flushes queued events and closes every job file.
func (el *EventLog) Close() error {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		<-el.done
		return nil
	}
	el.closed = true
	close(el.events)
	el.mu.Unlock()

	<-el.done

	var firstErr error
	el.loggers.Range(func(key string, jl *jobLogger) bool {
		if err := jl.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		el.loggers.Delete(key)
		return true
	})
	return firstErr
}

func (el *EventLog) writer() {
	defer close(el.done)

	for ev := range el.events {
		jl := el.loggerFor(ev.Job)
		if jl == nil {
			continue
		}

		entry := jl.zlog.Log().
			Time("time", ev.Time).
			Str("job", ev.Job).
			Str("kind", string(ev.Kind))
		if ev.RunID != "" {
			entry = entry.Str("run", ev.RunID)
		}
		if ev.State != "" {
			entry = entry.Str("state", ev.State)
		}
		if ev.File != "" {
			entry = entry.Str("file", ev.File).Int64("size", ev.Size)
		}
		if ev.Duration > 0 {
			entry = entry.Int64("duration_ms", ev.Duration.Milliseconds())
		}
		if ev.Err != nil {
			entry = entry.Str("error", ev.Err.Error())
		}
		entry.Msg(ev.Message)
	}
}

func (el *EventLog) loggerFor(job string) *jobLogger {
	jl, _ := el.loggers.LoadOrCompute(job, func() *jobLogger {
		f, err := os.OpenFile(el.Path(job), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			L.Error(err).WithMessage("failed to open job event log").WithJob(job).Write()
			return nil
		}
		return &jobLogger{
			file: f,
			zlog: zerolog.New(f),
		}
	})
	if jl == nil {
		el.loggers.Delete(job)
	}
	return jl
}

func sanitizeFileName(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
