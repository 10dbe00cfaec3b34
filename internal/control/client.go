package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/store/constants"
)

// Client sends control commands to a running server, one connection per
// command.
type Client struct {
	addr    string
	timeout time.Duration
}

func NewClient(addr string, timeout time.Duration) *Client {
	if addr == "" {
		addr = constants.DefaultListenAddress
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// roundTrip sends cmd and returns the reply line without its terminator.
func (c *Client) roundTrip(ctx context.Context, cmd Command) (string, error) {
	if strings.ContainsAny(cmd.Name, "\r\n") {
		return "", fmt.Errorf("%w: job name contains a line break", ErrBadRequest)
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to control server at %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(cmd.String() + "\n")); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", cmd.Verb, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read reply to %s: %w", cmd.Verb, err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// GetJobs fetches the status of every job.
func (c *Client) GetJobs(ctx context.Context) ([]backup.StatusEntry, error) {
	reply, err := c.roundTrip(ctx, Command{Verb: VerbGetJobs})
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(reply, "ERR ") {
		return nil, ParseReply(reply)
	}

	var jobs []backup.StatusEntry
	if err := json.Unmarshal([]byte(reply), &jobs); err != nil {
		return nil, fmt.Errorf("%w: decoding jobs: %v", ErrUnexpectedReply, err)
	}
	return jobs, nil
}

func (c *Client) control(ctx context.Context, verb Verb, name string) error {
	reply, err := c.roundTrip(ctx, Command{Verb: verb, Name: name})
	if err != nil {
		return err
	}
	return ParseReply(reply)
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.control(ctx, VerbStart, name)
}

func (c *Client) Pause(ctx context.Context, name string) error {
	return c.control(ctx, VerbPause, name)
}

func (c *Client) Resume(ctx context.Context, name string) error {
	return c.control(ctx, VerbResume, name)
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.control(ctx, VerbStop, name)
}
