// Package session tracks the single client process a crash server
// supervises. A Session owns one liveness handle for the client's pid and
// answers liveness queries without affecting the process.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
)

// OpenFunc opens a liveness handle for a pid.
type OpenFunc func(pid int) (Handle, error)

// Session binds a client pid to an exclusively owned liveness handle.
type Session struct {
	mu         sync.Mutex
	pid        int
	handle     Handle
	registered bool
	released   bool
	boundAt    time.Time
	open       OpenFunc
}

// Option configures a Session.
type Option func(*Session)

// WithOpener replaces the platform handle opener.
func WithOpener(open OpenFunc) Option {
	return func(s *Session) {
		s.open = open
	}
}

// New creates an unbound session.
func New(opts ...Option) *Session {
	s := &Session{open: OpenHandle}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind opens a liveness handle for pid. A session binds at most once; the
// pid is immutable afterwards.
func (s *Session) Bind(pid int) error {
	if pid <= 0 {
		return core.ErrRegistration(core.CodeInvalidPID, "pid must be positive").
			WithDetail("pid", pid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return core.ErrState(core.CodeClientBound, "session already bound").
			WithDetail("pid", s.pid)
	}

	h, err := s.open(pid)
	if err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return core.ErrRegistration(core.CodeProcessNotFound, "no live process with this pid").
				WithCause(err).
				WithDetail("pid", pid)
		}
		return core.ErrRegistration(core.CodeHandleOpenFailed, "cannot open process handle").
			WithCause(err).
			WithDetail("pid", pid)
	}

	s.pid = pid
	s.handle = h
	s.registered = true
	s.boundAt = time.Now()
	return nil
}

// PID returns the bound pid, or 0.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Registered reports whether a client has been bound.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Released reports whether the handle has been closed.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// BoundAt returns when Bind succeeded.
func (s *Session) BoundAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAt
}

// IsAlive reports whether the client has not terminated. Unbound and
// released sessions are not alive.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return false
	}
	return h.Alive()
}

// Wait blocks until the client terminates, the session is released, or ctx
// is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Wait(ctx)
}

// Release closes the handle. Calling it again is a no-op.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return
	}
	_ = s.handle.Close()
	s.handle = nil
	s.released = true
}
