package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DefaultCallTimeout bounds one client request. Dump requests wait for
// diagnostics collection so they get longer.
const (
	DefaultCallTimeout = 10 * time.Second
	DefaultDumpTimeout = 60 * time.Second
)

// Client is the supervised process's end of the channel. Keep it open for
// the life of the process; the server treats the process's exit, not the
// connection closing, as the end of the client.
type Client struct {
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder

	pid         int
	callTimeout time.Duration
	dumpTimeout time.Duration

	mu sync.Mutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPID registers on behalf of pid instead of the calling process.
func WithPID(pid int) ClientOption {
	return func(c *Client) {
		c.pid = pid
	}
}

// WithCallTimeout bounds register and ping requests.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithDumpTimeout bounds a dump request.
func WithDumpTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dumpTimeout = d
		}
	}
}

// Dial connects to the server socket at address.
func Dial(ctx context.Context, address string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to crash server: %w", err)
	}
	c := &Client{
		conn:        conn,
		enc:         newEncoder(conn),
		dec:         newDecoder(conn),
		pid:         os.Getpid(),
		callTimeout: DefaultCallTimeout,
		dumpTimeout: DefaultDumpTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PID returns the pid the client registers as.
func (c *Client) PID() int {
	return c.pid
}

// Register announces the client with an opaque identity payload.
func (c *Client) Register(payload []byte) error {
	_, err := c.call(Request{Action: ActionRegister, PID: c.pid, Payload: payload}, c.callTimeout)
	return err
}

// RequestDump asks the server to capture a dump and collect diagnostics,
// returning the dump file path. It blocks until the server has handled
// the request.
func (c *Client) RequestDump(crashContext []byte) (string, error) {
	resp, err := c.call(Request{Action: ActionDump, CrashContext: crashContext}, c.dumpTimeout)
	return resp.DumpPath, err
}

// Ping checks that the server is answering.
func (c *Client) Ping() error {
	_, err := c.call(Request{Action: ActionPing}, c.callTimeout)
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ServerError is a failure reported by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "crash server: " + e.Message
}

func (c *Client) call(req Request, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Response{}, fmt.Errorf("setting deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("sending %s request: %w", req.Action, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("reading %s response: %w", req.Action, err)
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "request failed"
		}
		return resp, &ServerError{Message: msg}
	}
	return resp, nil
}

// IsServerError reports whether err was reported by the server rather than
// the transport.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
