package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/session"
)

// Defaults for a Server.
const (
	DefaultRegisterTimeout = 10 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultDrainTimeout    = 2 * time.Second
	DefaultDumpDir         = ".crashwatch/dumps"

	queueSize = 64
)

// Server is the unix-socket generation backend. Each client keeps a
// connection open for its whole life; callbacks for all clients run in
// order on one dispatch goroutine, so a client's connect always precedes
// its dump request, which always precedes its exit.
type Server struct {
	dumpDir         string
	writer          DumpWriter
	registerTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	drainTimeout    time.Duration
	openHandle      session.OpenFunc
	logger          *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	queue        chan task
	dispatchDone chan struct{}

	// conns tracks the accept loop and connection readers. watchers tracks
	// exit watchers. Both finish before the queue closes.
	conns    sync.WaitGroup
	watchers sync.WaitGroup

	mu        sync.Mutex
	address   string
	listener  net.Listener
	handler   core.Handler
	started   bool
	stopped   bool
	openConns map[net.Conn]struct{}
	clients   map[int]*client
}

// client is the backend's record of one process. It outlives individual
// connections so exit is delivered once per process.
type client struct {
	info     core.ClientInfo
	readers  atomic.Int32
	dumped   atomic.Bool
	watching bool
}

type task struct {
	name string
	pid  int
	run  func(ctx context.Context) error

	// reply receives the result when set. It is buffered.
	reply chan error
}

// Option configures a Server.
type Option func(*Server)

// WithDumpDir sets where dump files are allocated.
func WithDumpDir(dir string) Option {
	return func(s *Server) {
		if dir != "" {
			s.dumpDir = dir
		}
	}
}

// WithDumpWriter sets what fills a dump file before the dump callback runs.
func WithDumpWriter(w DumpWriter) Option {
	return func(s *Server) {
		s.writer = w
	}
}

// WithRegisterTimeout bounds how long a new connection may stay silent
// before its first request.
func WithRegisterTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.registerTimeout = d
		}
	}
}

// WithReadTimeout bounds how long one request may take to arrive once its
// first byte has been read.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithWriteTimeout bounds each response write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long an exit waits for the dead client's
// connections to be read to the end.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithHandleOpener replaces how exit watchers open process handles.
func WithHandleOpener(open session.OpenFunc) Option {
	return func(s *Server) {
		if open != nil {
			s.openHandle = open
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a stopped backend.
func NewServer(opts ...Option) *Server {
	s := &Server{
		dumpDir:         DefaultDumpDir,
		writer:          ContextDumpWriter{},
		registerTimeout: DefaultRegisterTimeout,
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		drainTimeout:    DefaultDrainTimeout,
		openHandle:      session.OpenHandle,
		logger:          slog.New(slog.DiscardHandler),
		openConns:       make(map[net.Conn]struct{}),
		clients:         make(map[int]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "generation")
	return s
}

var (
	_ core.Backend        = (*Server)(nil)
	_ core.ProcessWatcher = (*Server)(nil)
)

// Start listens on the socket at address and begins delivering callbacks to
// h. A leftover socket file with nobody listening is replaced; a live one
// is an error.
func (s *Server) Start(address string, h core.Handler) error {
	if h == nil {
		return errors.New("generation: nil handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("generation: server already started")
	}

	if err := removeStaleSocket(address); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	ln, err := net.Listen("unix", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	if err := os.Chmod(address, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = make(chan task, queueSize)
	s.dispatchDone = make(chan struct{})
	s.address = address
	s.listener = ln
	s.handler = h
	s.started = true

	go s.dispatch()
	s.conns.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("generation server listening", "socket", address)
	return nil
}

// removeStaleSocket removes a socket file left by a dead server.
func removeStaleSocket(address string) error {
	if _, err := os.Lstat(address); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("checking socket path: %w", err)
	}
	conn, err := net.DialTimeout("unix", address, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is already in use", address)
	}
	if err := os.Remove(address); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener and every connection, stops exit watchers and
// joins the dispatch goroutine. Once it returns no callback is running or
// will run. Stop is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.openConns))
	for c := range s.openConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	ln.Close()
	for _, c := range conns {
		c.Close()
	}

	s.conns.Wait()
	s.watchers.Wait()

	close(s.queue)
	<-s.dispatchDone

	if err := os.Remove(s.address); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket", "socket", s.address, "error", err)
	}
	s.logger.Info("generation server stopped")
}

// WatchClient delivers an exit callback when info's process ends, even if
// it never connects.
func (s *Server) WatchClient(info core.ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return errors.New("generation: server not running")
	}
	c := s.clientLocked(info)
	return s.watchLocked(c)
}

// clientLocked returns the record for info's pid, creating it if needed.
func (s *Server) clientLocked(info core.ClientInfo) *client {
	c, ok := s.clients[info.PID]
	if !ok {
		c = &client{info: info}
		s.clients[info.PID] = c
	}
	if len(info.Payload) > 0 {
		c.info.Payload = info.Payload
	}
	return c
}

// watchLocked starts the exit watcher for c once.
func (s *Server) watchLocked(c *client) error {
	if c.watching {
		return nil
	}
	h, err := s.openHandle(c.info.PID)
	if err != nil {
		delete(s.clients, c.info.PID)
		return fmt.Errorf("watching pid %d: %w", c.info.PID, err)
	}
	c.watching = true
	s.watchers.Add(1)
	go s.watchExit(c, h)
	return nil
}

func (s *Server) watchExit(c *client, h session.Handle) {
	defer s.watchers.Done()
	defer h.Close()

	if err := h.Wait(s.ctx); err != nil {
		return
	}

	// Requests the client wrote before dying are delivered before its exit.
	deadline := time.Now().Add(s.drainTimeout)
	for c.readers.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	if n := c.readers.Load(); n > 0 {
		s.logger.Warn("exit delivered with connections still open", "pid", c.info.PID, "connections", n)
	}

	s.mu.Lock()
	if s.clients[c.info.PID] == c {
		delete(s.clients, c.info.PID)
	}
	info := c.info
	s.mu.Unlock()

	s.logger.Debug("client process exited", "pid", info.PID)
	s.enqueue(task{name: "exit", pid: info.PID, run: func(ctx context.Context) error {
		s.handler.OnClientExit(ctx, info)
		return nil
	}})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.conns.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.openConns[conn] = struct{}{}
		s.conns.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

// errRequestTooLarge is returned by requestReader once a request exceeds
// MaxRequestSize.
var errRequestTooLarge = errors.New("request too large")

// requestReader feeds the decoder one request at a time. It caps each
// request at MaxRequestSize and arms the read deadline when the first byte
// of a request arrives, so an idle connection may wait indefinitely but a
// started request must finish within the read timeout.
type requestReader struct {
	conn      net.Conn
	timeout   time.Duration
	remaining int64
	started   bool
}

func newRequestReader(conn net.Conn, timeout time.Duration) *requestReader {
	return &requestReader{conn: conn, timeout: timeout, remaining: MaxRequestSize}
}

func (r *requestReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, errRequestTooLarge
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.conn.Read(p)
	if n > 0 && !r.started {
		r.started = true
		r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	r.remaining -= int64(n)
	return n, err
}

// next prepares for the following request and lets the connection idle.
func (r *requestReader) next() {
	r.remaining = MaxRequestSize
	r.started = false
	r.conn.SetReadDeadline(time.Time{})
}

// serveConn reads requests until the peer closes the connection or the
// server stops. The first request must arrive within the register timeout;
// after that the connection may stay idle for the client's whole life, but
// each request must be complete within the read timeout of its first byte.
func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()

	var bound *client
	defer func() {
		s.mu.Lock()
		delete(s.openConns, conn)
		s.mu.Unlock()
		conn.Close()
		if bound != nil {
			bound.readers.Add(-1)
		}
	}()

	rr := newRequestReader(conn, s.readTimeout)
	dec := newDecoder(rr)
	enc := newEncoder(conn)

	conn.SetReadDeadline(time.Now().Add(s.registerTimeout))
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			switch {
			case errors.Is(err, errRequestTooLarge):
				s.logger.Warn("closing connection after oversized request", "limit", MaxRequestSize)
				s.writeResponse(conn, enc, Response{Error: errRequestTooLarge.Error()})
			case !isClosedConn(err):
				s.logger.Debug("closing connection after bad read", "error", err)
				s.writeResponse(conn, enc, Response{Error: "invalid request"})
			}
			return
		}
		rr.next()

		var resp Response
		switch req.Action {
		case ActionRegister:
			c, err := s.register(bound, req)
			if err != nil {
				resp.Error = err.Error()
				break
			}
			bound = c
			resp.OK = true
		case ActionDump:
			resp = s.dump(bound, req)
		case ActionPing:
			resp.OK = true
		default:
			resp.Error = core.ErrIPC(core.CodeUnknownAction, "unknown action").
				WithDetail("action", req.Action).Error()
		}

		if !s.writeResponse(conn, enc, resp) {
			return
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// register binds the connection to req.PID and queues the connect callback.
func (s *Server) register(bound *client, req Request) (*client, error) {
	if req.PID <= 0 {
		return nil, core.ErrRegistration(core.CodeInvalidPID, "register requires a positive pid").
			WithDetail("pid", req.PID)
	}
	if bound != nil {
		if bound.info.PID != req.PID {
			return nil, core.ErrRegistration(core.CodeClientMismatch, "connection already registered").
				WithDetail("pid", bound.info.PID)
		}
		return bound, nil
	}

	info := core.ClientInfo{PID: req.PID, Payload: req.Payload}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, core.ErrState(core.CodeServerStopped, "server is stopping")
	}
	c := s.clientLocked(info)
	if err := s.watchLocked(c); err != nil {
		s.mu.Unlock()
		return nil, core.ErrRegistration(core.CodeProcessNotFound, "client process not found").
			WithCause(err).
			WithDetail("pid", req.PID)
	}
	c.readers.Add(1)
	s.mu.Unlock()

	s.logger.Debug("client registered on channel", "pid", info.PID)
	s.enqueue(task{name: "connect", pid: info.PID, run: func(ctx context.Context) error {
		s.handler.OnClientConnect(ctx, info)
		return nil
	}})
	return c, nil
}

// dump allocates a dump file, fills it and hands it to the dump callback.
// Each client gets at most one dump.
func (s *Server) dump(c *client, req Request) Response {
	if c == nil {
		return Response{Error: core.ErrIPC(core.CodeNotRegistered, "dump requested before register").Error()}
	}
	if c.dumped.Swap(true) {
		return Response{Error: core.ErrState(core.CodeDumpInProgress, "dump already requested").
			WithDetail("pid", c.info.PID).Error()}
	}

	s.mu.Lock()
	info := c.info
	s.mu.Unlock()

	log := s.logger.With("pid", info.PID)
	path, err := s.allocateDumpPath(info.PID)
	if err != nil {
		log.Error("cannot allocate dump file", "error", err)
		return Response{Error: core.ErrIPC(core.CodeDumpFailed, "cannot allocate dump file").WithCause(err).Error()}
	}

	var writeErr error
	if s.writer != nil {
		writeErr = s.writer.WriteDump(s.ctx, info, path, req.CrashContext)
		if writeErr != nil {
			log.Error("dump writer failed", "dump_path", path, "error", writeErr)
		}
	}

	err = s.call(task{name: "dump", pid: info.PID, run: func(ctx context.Context) error {
		return s.handler.OnClientDumpRequest(ctx, info, path)
	}})
	if err != nil {
		return Response{Error: err.Error(), DumpPath: path}
	}

	resp := Response{OK: true, DumpPath: path}
	if writeErr != nil {
		resp.Error = "dump writer: " + writeErr.Error()
	}
	return resp
}

// allocateDumpPath returns a fresh path under the dump directory.
func (s *Server) allocateDumpPath(pid int) (string, error) {
	if err := os.MkdirAll(s.dumpDir, 0o750); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d-%s-%s.dmp",
		pid,
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8],
	)
	return filepath.Join(s.dumpDir, name), nil
}

func (s *Server) writeResponse(conn net.Conn, enc *cbor.Encoder, resp Response) bool {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := enc.Encode(resp); err != nil {
		if !isClosedConn(err) {
			s.logger.Debug("failed to write response", "error", err)
		}
		return false
	}
	return true
}

// enqueue hands t to the dispatch goroutine. It gives up once the server
// stops.
func (s *Server) enqueue(t task) bool {
	select {
	case s.queue <- t:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// call enqueues t and waits for its result.
func (s *Server) call(t task) error {
	t.reply = make(chan error, 1)
	if !s.enqueue(t) {
		return core.ErrState(core.CodeServerStopped, "server is stopping")
	}
	select {
	case err := <-t.reply:
		return err
	case <-s.ctx.Done():
		return core.ErrState(core.CodeServerStopped, "server is stopping")
	}
}

// dispatch runs tasks in order until the queue closes. Tasks dequeued after
// Stop began are dropped.
func (s *Server) dispatch() {
	defer close(s.dispatchDone)
	for t := range s.queue {
		var err error
		if s.ctx.Err() != nil {
			err = core.ErrState(core.CodeServerStopped, "server is stopping")
		} else {
			err = s.runTask(t)
		}
		if t.reply != nil {
			t.reply <- err
		}
	}
}

func (s *Server) runTask(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panicked", "callback", t.name, "pid", t.pid, "panic", r)
			err = core.ErrCollection(core.CodeCallbackPanicked, "callback panicked").
				WithDetail("callback", t.name)
		}
	}()
	return t.run(s.ctx)
}
