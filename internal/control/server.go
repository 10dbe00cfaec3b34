package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/metrics"
	"github.com/easysave/easysave/internal/store/constants"
	"github.com/easysave/easysave/internal/syslog"
)

// DefaultTimeout bounds reading the command and writing the reply of a
// single connection.
const DefaultTimeout = 5 * time.Second

// commandIdleGap is how long the server waits for more bytes of a command
// that arrived without a line terminator.
const commandIdleGap = 100 * time.Millisecond

var (
	errEmptyCommand = errors.New("connection closed before a command was sent")
	errLineTooLong  = fmt.Errorf("command exceeds %d bytes", constants.MaxCommandLength)
	errReadTimeout  = errors.New("timed out waiting for a command")
)

// Service is the part of backup.Manager the protocol drives.
type Service interface {
	GetJobs() []backup.StatusEntry
	StartJob(ctx context.Context, name string) error
	Pause(name string) error
	Resume(name string) error
	Stop(name string) error
}

// Server answers one command per connection on a TCP listener.
type Server struct {
	addr    string
	service Service
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	handlers sync.WaitGroup
}

func NewServer(addr string, service Service, timeout time.Duration) *Server {
	if addr == "" {
		addr = constants.DefaultListenAddress
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Server{
		addr:    addr,
		service: service,
		timeout: timeout,
	}
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and accepts connections in the background.
// watcher, when not nil, is closed once the accept loop exits.
func (s *Server) Start(watcher chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("control server already listening on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	s.loopDone = loopDone

	syslog.L.Info().
		WithMessage("control server starting").
		WithField("address", listener.Addr().String()).
		Write()

	ready := make(chan struct{})
	go func() {
		defer close(loopDone)
		if watcher != nil {
			defer close(watcher)
		}
		close(ready)
		s.acceptLoop(s.ctx, listener)
		syslog.L.Info().
			WithMessage("control server stopped").
			WithField("address", listener.Addr().String()).
			Write()
	}()

	<-ready

	return nil
}

// Run serves until ctx is canceled. It returns an error when the listener
// fails on its own.
func (s *Server) Run(ctx context.Context) error {
	watcher := make(chan struct{}, 1)
	if err := s.Start(watcher); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		syslog.L.Info().
			WithMessage("control server shutting down due to context cancellation").
			WithField("address", s.addr).
			Write()
		_ = s.Close()
		return ctx.Err()
	case <-watcher:
		syslog.L.Warn().
			WithMessage("control server shut down unexpectedly").
			WithField("address", s.addr).
			Write()
		_ = s.Close()
		return errors.New("control server accept loop exited")
	}
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

func (s *Server) String() string {
	return "control-server"
}

// Close stops accepting connections and waits for in-flight handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	listener := s.listener
	cancel := s.cancel
	loopDone := s.loopDone
	s.listener = nil
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}

	s.handlers.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			syslog.L.Error(err).WithMessage("control server accept failed").Write()
			return
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	metrics.TrackConnection(true)
	defer metrics.TrackConnection(false)

	var reply string
	var verb Verb

	line, err := s.readCommand(conn)
	if err != nil {
		reply = FormatError(fmt.Errorf("%w: %v", ErrBadRequest, err))
	} else {
		cmd, err := ParseCommand(line)
		if err != nil {
			reply = FormatError(err)
		} else {
			verb = cmd.Verb
			reply = s.dispatch(ctx, cmd)
		}
	}

	result := ReplyOK
	if code, ok := replyCode(reply); ok {
		result = string(code)
	}
	if verb == "" {
		verb = "INVALID"
	}
	metrics.RecordCommand(string(verb), result)

	syslog.L.Debug().
		WithMessage("control command handled").
		WithField("remote", conn.RemoteAddr().String()).
		WithField("verb", string(verb)).
		WithField("result", result).
		Write()

	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := io.WriteString(conn, reply+"\n"); err != nil {
		syslog.L.Warn().
			WithMessage("failed to write control reply").
			WithField("remote", conn.RemoteAddr().String()).
			WithField("error", err.Error()).
			Write()
		return
	}

	// unread input would turn the close into a reset that can discard the reply
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(commandIdleGap))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, 1<<20))
}

func replyCode(reply string) (Code, bool) {
	var re *ReplyError
	if !strings.HasPrefix(reply, "ERR ") {
		return "", false
	}
	if errors.As(ParseReply(reply), &re) {
		return re.Code, true
	}
	return "", false
}

// readCommand reads one command line. A command sent without a terminator
// is complete once the client half-closes or goes quiet for commandIdleGap.
func (s *Server) readCommand(conn net.Conn) (string, error) {
	deadline := time.Now().Add(s.timeout)
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 0, 128)
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.IndexByte(buf, '\n'); i >= 0 {
				if i > constants.MaxCommandLength {
					return "", errLineTooLong
				}
				return string(buf[:i]), nil
			}
			if len(buf) > constants.MaxCommandLength {
				return "", errLineTooLong
			}

			gap := time.Now().Add(commandIdleGap)
			if gap.After(deadline) {
				gap = deadline
			}
			_ = conn.SetReadDeadline(gap)
		}

		if err != nil {
			var netErr net.Error
			timedOut := errors.As(err, &netErr) && netErr.Timeout()
			switch {
			case len(buf) > 0 && (errors.Is(err, io.EOF) || timedOut):
				return string(buf), nil
			case timedOut:
				return "", errReadTimeout
			case errors.Is(err, io.EOF):
				return "", errEmptyCommand
			}
			return "", err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) string {
	var err error
	switch cmd.Verb {
	case VerbGetJobs:
		jobs := s.service.GetJobs()
		if jobs == nil {
			jobs = []backup.StatusEntry{}
		}
		payload, err := json.Marshal(jobs)
		if err != nil {
			return FormatError(fmt.Errorf("%w: encoding jobs: %v", ErrInternal, err))
		}
		return string(payload)
	case VerbStart:
		err = s.service.StartJob(ctx, cmd.Name)
	case VerbPause:
		err = s.service.Pause(cmd.Name)
	case VerbResume:
		err = s.service.Resume(cmd.Name)
	case VerbStop:
		err = s.service.Stop(cmd.Name)
	default:
		err = fmt.Errorf("%w: unknown verb %q", ErrBadRequest, cmd.Verb)
	}

	if err != nil {
		return FormatError(err)
	}
	return ReplyOK
}
