package crashserver

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/session"
)

// The three methods below implement core.Handler. The backend calls them on
// its dispatch goroutine; none of them lets a panic escape. Stop must not be
// called from inside a callback.
var _ core.Handler = (*Server)(nil)

// OnClientConnect records a client attaching over the channel. It binds a
// session when none is active and otherwise checks the client's identity.
func (s *Server) OnClientConnect(_ context.Context, info core.ClientInfo) {
	defer s.recoverCallback("connect", info)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}
	log := s.logger.With("pid", info.PID)

	if s.state.HasClient() {
		if bound := s.session.PID(); bound != info.PID {
			log.Warn("connect from unexpected client rejected", "bound_pid", bound)
			return
		}
		if len(info.Payload) > 0 {
			s.payload = info.Payload
		}
		log.Debug("registered client connected")
		s.bus.Publish(events.NewClientConnectedEvent(info.PID, info.Payload))
		return
	}

	if !s.state.AcceptsClient() {
		log.Warn("connect ignored", "state", s.state.String())
		return
	}

	sess := session.New(s.sessOpts...)
	if err := sess.Bind(info.PID); err != nil {
		log.Warn("cannot bind connecting client", "error", err)
		return
	}
	s.bindLocked(sess, info.Payload)

	log.Info("client connected")
	s.bus.Publish(events.NewClientConnectedEvent(info.PID, info.Payload))
}

// OnClientDumpRequest handles a crash signal from the bound client: it moves
// to dump_in_progress, collects diagnostics under the collector's deadline
// and hands the snapshot to the reporter. Collection and reporting failures
// are logged, not returned; a returned error means the request was refused.
func (s *Server) OnClientDumpRequest(ctx context.Context, info core.ClientInfo, dumpPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logPanic("dump_request", info, r)
			err = core.ErrCollection(core.CodeCallbackPanicked, "dump request handler panicked").
				WithDetail("panic", fmt.Sprint(r))
		}
	}()

	if err := s.beginDump(info, dumpPath); err != nil {
		s.logger.Warn("dump request rejected",
			"pid", info.PID,
			"dump_path", dumpPath,
			"error", err,
		)
		s.bus.Publish(events.NewDumpRejectedEvent(info.PID, dumpPath, err.Error()))
		return err
	}

	log := s.logger.With("pid", info.PID, "dump_path", dumpPath)
	log.Info("dump requested")
	s.bus.Publish(events.NewDumpRequestedEvent(info.PID, dumpPath))

	// Collection ends early if Stop begins.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(s.ctx, cancel)
	defer stopWatch()

	start := time.Now()
	snap := s.collect(ctx, info)
	reportPath := s.report(ctx, info, dumpPath, snap)

	s.mu.Lock()
	if reportPath != "" {
		s.lastReport = reportPath
	}
	s.mu.Unlock()

	log.Info("dump handled",
		"duration", time.Since(start),
		"complete", snap.Complete(),
		"warnings", len(snap.Warnings),
		"report", reportPath,
	)
	s.bus.Publish(events.NewDumpCompletedEvent(info.PID, dumpPath, reportPath, time.Since(start), snap.Complete(), snap.Warnings))
	return nil
}

// beginDump validates the request and moves client_registered ->
// dump_in_progress.
func (s *Server) beginDump(info core.ClientInfo, dumpPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopping:
		return core.ErrState(core.CodeServerStopped, "server is stopping")
	case dumpPath == "":
		return core.ErrIPC(core.CodeBadRequest, "dump path is empty")
	case !s.state.HasClient():
		return core.ErrState(core.CodeNoClient, "no client registered").
			WithDetail("state", s.state.String())
	case s.session.PID() != info.PID:
		return core.ErrState(core.CodeClientMismatch, "dump request from a client that is not registered").
			WithDetail("bound_pid", s.session.PID())
	case s.state == core.StateDumpInProgress:
		return core.ErrState(core.CodeDumpInProgress, "dump already in progress")
	}

	s.state = core.StateDumpInProgress
	s.dumps++
	s.lastDumpPath = dumpPath
	return nil
}

// collect runs the collector. A missing or panicking collector still yields
// a snapshot.
func (s *Server) collect(ctx context.Context, info core.ClientInfo) (snap diagnostics.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logPanic("collect", info, r)
			snap = diagnostics.Snapshot{
				CollectedAt: time.Now().UTC(),
				Warnings:    []string{fmt.Sprintf("collector panicked: %v", r)},
			}
		}
	}()
	if s.collector == nil {
		return diagnostics.Snapshot{
			CollectedAt: time.Now().UTC(),
			Warnings:    []string{"no diagnostic collector configured"},
		}
	}
	return s.collector.Collect(ctx)
}

func (s *Server) report(ctx context.Context, info core.ClientInfo, dumpPath string, snap diagnostics.Snapshot) (path string) {
	if s.reporter == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			s.logPanic("report", info, r)
			path = ""
		}
	}()
	if len(info.Payload) == 0 {
		s.mu.Lock()
		info.Payload = s.payload
		s.mu.Unlock()
	}
	p, err := s.reporter.Report(ctx, info, dumpPath, snap)
	if err != nil {
		s.logger.Error("failed to write crash report", "pid", info.PID, "error", err)
		return ""
	}
	return p
}

// OnClientExit finalizes the bound client's session. Exits for other pids
// are ignored.
func (s *Server) OnClientExit(_ context.Context, info core.ClientInfo) {
	defer s.recoverCallback("exit", info)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || !s.state.HasClient() {
		return
	}
	if s.session.PID() != info.PID {
		s.logger.Debug("exit of unregistered process ignored",
			"pid", info.PID,
			"bound_pid", s.session.PID(),
		)
		return
	}

	dumped := s.state == core.StateDumpInProgress
	s.session.Release()
	s.state = core.StateClientExited

	s.logger.Info("client exited", "pid", info.PID, "dumped", dumped)
	s.bus.Publish(events.NewClientExitedEvent(info.PID, dumped))
}

func (s *Server) recoverCallback(name string, info core.ClientInfo) {
	if r := recover(); r != nil {
		s.logPanic(name, info, r)
	}
}

func (s *Server) logPanic(name string, info core.ClientInfo, r any) {
	s.logger.Error("callback panicked",
		"callback", name,
		"pid", info.PID,
		"panic", r,
		"stack", string(debug.Stack()),
	)
}
