package control

import (
	"errors"
	"fmt"
	"strings"

	"github.com/easysave/easysave/internal/backend/backup"
)

type Verb string

const (
	VerbGetJobs Verb = "GET_JOBS"
	VerbStart   Verb = "START"
	VerbPause   Verb = "PAUSE"
	VerbResume  Verb = "RESUME"
	VerbStop    Verb = "STOP"
)

// ReplyOK acknowledges a successful control verb.
const ReplyOK = "OK"

var (
	ErrBadRequest      = errors.New("bad request")
	ErrInternal        = errors.New("internal error")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Code classifies an error reply.
type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeInvalidTransition Code = "InvalidTransition"
	CodeAlreadyRunning    Code = "AlreadyRunning"
	CodeBadRequest        Code = "BadRequest"
	CodeInternal          Code = "Internal"
)

var codeErrors = map[Code]error{
	CodeNotFound:          backup.ErrNotFound,
	CodeInvalidTransition: backup.ErrInvalidTransition,
	CodeAlreadyRunning:    backup.ErrAlreadyRunning,
	CodeBadRequest:        ErrBadRequest,
	CodeInternal:          ErrInternal,
}

// Command is one parsed request line.
type Command struct {
	Verb Verb
	Name string
}

// String returns the wire form of the command without a line terminator.
func (c Command) String() string {
	if c.Verb == VerbGetJobs {
		return string(VerbGetJobs)
	}
	return string(c.Verb) + ":" + c.Name
}

// ParseCommand parses a request line. A trailing "\n" or "\r\n" is ignored.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return Command{}, fmt.Errorf("%w: empty command", ErrBadRequest)
	}
	if line == string(VerbGetJobs) {
		return Command{Verb: VerbGetJobs}, nil
	}

	verb, name, found := strings.Cut(line, ":")
	if !found {
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrBadRequest, truncate(line))
	}

	switch Verb(verb) {
	case VerbStart, VerbPause, VerbResume, VerbStop:
	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrBadRequest, truncate(verb))
	}

	if name == "" {
		return Command{}, fmt.Errorf("%w: %s requires a job name", ErrBadRequest, verb)
	}
	if strings.ContainsAny(name, "\r\n") {
		return Command{}, fmt.Errorf("%w: job name contains a line break", ErrBadRequest)
	}

	return Command{Verb: Verb(verb), Name: name}, nil
}

func truncate(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// CodeOf maps an error onto the reply code sent to clients.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, backup.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, backup.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, backup.ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}

// FormatError renders err as a single "ERR <Code>: <message>" line.
func FormatError(err error) string {
	msg := strings.NewReplacer("\r", " ", "\n", " ").Replace(err.Error())
	return fmt.Sprintf("ERR %s: %s", CodeOf(err), msg)
}

// ReplyError is an error reply received from the server. It unwraps to the
// sentinel matching its code, so errors.Is(err, backup.ErrNotFound) holds for
// a NotFound reply.
type ReplyError struct {
	Code    Code
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ReplyError) Unwrap() error {
	if err, ok := codeErrors[e.Code]; ok {
		return err
	}
	return ErrInternal
}

// ParseReply interprets the reply to a control verb. Anything other than
// ReplyOK is a failure.
func ParseReply(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == ReplyOK {
		return nil
	}

	rest, ok := strings.CutPrefix(line, "ERR ")
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, truncate(line))
	}

	code, msg, _ := strings.Cut(rest, ":")
	return &ReplyError{Code: Code(code), Message: strings.TrimSpace(msg)}
}
