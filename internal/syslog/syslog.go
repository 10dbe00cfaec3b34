package syslog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// L is the process-wide logger. It writes human readable lines to stderr
// until Configure is called.
var L = New(os.Stderr, "info", "console")

type Logger struct {
	mu   sync.RWMutex
	zlog *zerolog.Logger
}

// LogEntry is a single log line under construction. Nothing is emitted
// until Write is called.
type LogEntry struct {
	Level   string
	Message string
	JobID   string
	Err     error
	Fields  map[string]interface{}

	logger *Logger
}

func New(out io.Writer, level string, format string) *Logger {
	l := &Logger{}
	_ = l.configure(out, level, format)
	return l
}

// Configure swaps the output, level and format of the logger in place.
// format is either "console" or "json".
func (l *Logger) Configure(out io.Writer, level string, format string) error {
	return l.configure(out, level, format)
}

func (l *Logger) configure(out io.Writer, level string, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	switch format {
	case "json":
		zl = zerolog.New(out)
	default:
		zl = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = out
			w.NoColor = true
		}))
	}
	zl = zl.Level(lvl).With().Timestamp().Logger()

	l.mu.Lock()
	l.zlog = &zl
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return nil
}

func (l *Logger) newEntry(level string, err error) *LogEntry {
	return &LogEntry{
		Level:  level,
		Err:    err,
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

func (l *Logger) Debug() *LogEntry {
	return l.newEntry("debug", nil)
}

func (l *Logger) Info() *LogEntry {
	return l.newEntry("info", nil)
}

func (l *Logger) Warn() *LogEntry {
	return l.newEntry("warn", nil)
}

func (l *Logger) Error(err error) *LogEntry {
	return l.newEntry("error", err)
}

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithJob tags the entry with the name of the backup job it concerns.
func (e *LogEntry) WithJob(name string) *LogEntry {
	e.JobID = name
	return e
}

// Write finalizes the LogEntry and hands it to zerolog.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	if e.JobID != "" {
		e.Fields["job"] = e.JobID
	}

	zl := e.logger.zlog
	switch e.Level {
	case "debug":
		zl.Debug().Fields(e.Fields).Msg(e.Message)
	case "warn":
		zl.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		zl.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	default:
		zl.Info().Fields(e.Fields).Msg(e.Message)
	}
}
