// Package crashserver implements the crash server state machine: it binds a
// generation backend to a channel, tracks the single supervised client and
// collects diagnostics when that client crashes.
package crashserver

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/session"
)

// ErrDumpInProgress matches the error returned for a dump request that
// arrives while a dump for the same client is already being handled.
var ErrDumpInProgress = core.ErrState(core.CodeDumpInProgress, "dump already in progress")

// Collector produces the diagnostic snapshot for a dump request.
type Collector interface {
	Collect(ctx context.Context) diagnostics.Snapshot
}

// Reporter receives the snapshot and dump path of every handled dump and
// returns where the report was stored.
type Reporter interface {
	Report(ctx context.Context, info core.ClientInfo, dumpPath string, snap diagnostics.Snapshot) (string, error)
}

// Hooks lets platform code customize shutdown. Teardown itself is not
// customizable.
type Hooks struct {
	// BeforeStop runs once, after the server is marked stopping and before
	// the backend is stopped.
	BeforeStop func()
}

// Status is a point-in-time view of the server.
type Status struct {
	State        core.State `json:"state"`
	Channel      string     `json:"channel,omitempty"`
	PID          int        `json:"pid,omitempty"`
	Payload      string     `json:"payload,omitempty"`
	Alive        bool       `json:"alive"`
	Dumps        int        `json:"dumps"`
	LastDumpPath string     `json:"last_dump_path,omitempty"`
	LastReport   string     `json:"last_report,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
}

// Server is the crash server. It is safe for concurrent use; backend
// callbacks and public methods serialize on one mutex.
type Server struct {
	backend   core.Backend
	collector Collector
	reporter  Reporter
	bus       *events.EventBus
	hooks     Hooks
	logger    *slog.Logger
	sessOpts  []session.Option

	// ctx is canceled when Stop begins so in-flight collection ends early.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        core.State
	stopping     bool
	channel      string
	startedAt    time.Time
	session      *session.Session
	payload      []byte
	dumps        int
	lastDumpPath string
	lastReport   string

	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReporter sets where snapshots are handed after collection.
func WithReporter(r Reporter) Option {
	return func(s *Server) {
		s.reporter = r
	}
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithHooks installs platform hooks.
func WithHooks(h Hooks) Option {
	return func(s *Server) {
		s.hooks = h
	}
}

// WithSessionOptions passes options to every client session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) {
		s.sessOpts = append(s.sessOpts, opts...)
	}
}

// New creates an idle server.
func New(backend core.Backend, collector Collector, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend:   backend,
		collector: collector,
		logger:    slog.New(slog.DiscardHandler),
		ctx:       ctx,
		cancel:    cancel,
		state:     core.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "crashserver")
	return s
}

// Start binds the backend to address and moves idle -> started. On failure
// the server stays idle and nothing is listening.
func (s *Server) Start(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.state == core.StateStopped {
		return core.ErrSetup(core.CodeServerStopped, "server has been stopped")
	}
	if s.state != core.StateIdle {
		return core.ErrSetup(core.CodeAlreadyStarted, "server already started").
			WithDetail("channel", s.channel)
	}
	if address == "" {
		return core.ErrSetup(core.CodeInvalidAddress, "channel address is empty")
	}
	if s.backend == nil {
		return core.ErrSetup(core.CodeBindFailed, "no generation backend configured")
	}

	if err := s.backend.Start(address, s); err != nil {
		s.logger.Error("failed to bind channel", "channel", address, "error", err)
		return core.ErrSetup(core.CodeBindFailed, "cannot bind channel").
			WithCause(err).
			WithDetail("channel", address)
	}

	s.channel = address
	s.startedAt = time.Now()
	s.state = core.StateStarted
	s.logger.Info("crash server started", "channel", address)
	s.bus.Publish(events.NewServerStartedEvent(address))
	return nil
}

// SetClient registers pid as the supervised client. Valid in started or
// client_exited; on failure the state is unchanged.
func (s *Server) SetClient(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptClientLocked(); err != nil {
		return err
	}

	sess := session.New(s.sessOpts...)
	if err := sess.Bind(pid); err != nil {
		s.logger.Warn("client registration failed", "pid", pid, "error", err)
		s.bus.Publish(events.NewClientRejectedEvent(pid, err.Error()))
		return err
	}
	s.bindLocked(sess, nil)

	if w, ok := s.backend.(core.ProcessWatcher); ok {
		if err := w.WatchClient(core.ClientInfo{PID: pid}); err != nil {
			s.logger.Warn("backend cannot watch client", "pid", pid, "error", err)
		}
	}

	s.logger.Info("client registered", "pid", pid)
	s.bus.Publish(events.NewClientRegisteredEvent(pid))
	return nil
}

func (s *Server) acceptClientLocked() error {
	switch {
	case s.stopping || s.state == core.StateStopped:
		return core.ErrState(core.CodeServerStopped, "server has been stopped")
	case s.state.HasClient():
		return core.ErrState(core.CodeClientBound, "a client is already registered").
			WithDetail("pid", s.session.PID())
	case !s.state.AcceptsClient():
		return core.ErrState(core.CodeNotStarted, "server not started").
			WithDetail("state", s.state.String())
	}
	return nil
}

// bindLocked replaces any closed prior session with sess.
func (s *Server) bindLocked(sess *session.Session, payload []byte) {
	if s.session != nil {
		s.session.Release()
	}
	s.session = sess
	s.payload = payload
	s.state = core.StateClientRegistered
}

// IsClientAlive reports whether the bound client is still running. It is
// false before any client is bound and after the client exits.
func (s *Server) IsClientAlive() bool {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	return sess.IsAlive()
}

// State returns the current lifecycle state.
func (s *Server) State() core.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the address the server listens on.
func (s *Server) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Status returns a snapshot of the server's state.
func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{
		State:        s.state,
		Channel:      s.channel,
		Payload:      string(s.payload),
		Dumps:        s.dumps,
		LastDumpPath: s.lastDumpPath,
		LastReport:   s.lastReport,
		StartedAt:    s.startedAt,
	}
	sess := s.session
	s.mu.Unlock()

	if sess != nil {
		st.PID = sess.PID()
		st.Alive = sess.IsAlive()
	}
	return st
}

// Stop shuts the server down. It is idempotent and callable from any state;
// when it returns the backend has stopped, no callback is running or will
// run, the session handle is released and the state is stopped. Concurrent
// callers all block until teardown has finished.
func (s *Server) Stop() {
	s.stopOnce.Do(s.teardown)
}

// teardown runs the fixed shutdown sequence. The mutex is not held while the
// backend stops so an in-flight callback can finish; callbacks observe
// stopping and return without touching state.
func (s *Server) teardown() {
	s.mu.Lock()
	listening := s.state.Running()
	s.stopping = true
	s.mu.Unlock()

	s.cancel()

	if s.hooks.BeforeStop != nil {
		s.runHook("before_stop", s.hooks.BeforeStop)
	}

	if listening {
		s.backend.Stop()
	}

	s.mu.Lock()
	if s.session != nil {
		s.session.Release()
	}
	dumps := s.dumps
	s.state = core.StateStopped
	s.mu.Unlock()

	s.logger.Info("crash server stopped", "dumps", dumps)
	s.bus.Publish(events.NewServerStoppedEvent(dumps))
}

func (s *Server) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stop hook panicked",
				"hook", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
