package crashserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/session"
)

// fakeBackend delivers callbacks on goroutines it tracks, and Stop waits
// for all of them like a real dispatch goroutine join.
type fakeBackend struct {
	mu        sync.Mutex
	handler   core.Handler
	address   string
	startErr  error
	starts    int
	stops     int
	watched   []int
	inflight  sync.WaitGroup
	stopOrder func()
}

func (b *fakeBackend) Start(address string, h core.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return b.startErr
	}
	b.address = address
	b.handler = h
	return nil
}

func (b *fakeBackend) Stop() {
	b.mu.Lock()
	b.stops++
	hook := b.stopOrder
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.inflight.Wait()
}

func (b *fakeBackend) WatchClient(info core.ClientInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched = append(b.watched, info.PID)
	return nil
}

// deliver runs fn asynchronously as a backend callback.
func (b *fakeBackend) deliver(fn func(h core.Handler)) <-chan struct{} {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()

	done := make(chan struct{})
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer close(done)
		fn(h)
	}()
	return done
}

func (b *fakeBackend) counts() (starts, stops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops
}

type fakeCollector struct {
	calls   atomic.Int32
	collect func(ctx context.Context) diagnostics.Snapshot
}

func (c *fakeCollector) Collect(ctx context.Context) diagnostics.Snapshot {
	c.calls.Add(1)
	if c.collect != nil {
		return c.collect(ctx)
	}
	return diagnostics.Snapshot{
		Processes: []diagnostics.ProcessRecord{{PID: 1, Name: "init"}},
		Probes: []diagnostics.ProbeResult{
			{Probe: diagnostics.ProbeHardware, Status: diagnostics.ProbeOK},
			{Probe: diagnostics.ProbeMemory, Status: diagnostics.ProbeOK},
			{Probe: diagnostics.ProbeProcesses, Status: diagnostics.ProbeOK},
		},
	}
}

type reportCall struct {
	info     core.ClientInfo
	dumpPath string
	snap     diagnostics.Snapshot
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reportCall
	err   error
	panic bool
}

func (r *fakeReporter) Report(_ context.Context, info core.ClientInfo, dumpPath string, snap diagnostics.Snapshot) (string, error) {
	if r.panic {
		panic("reporter exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reportCall{info: info, dumpPath: dumpPath, snap: snap})
	if r.err != nil {
		return "", r.err
	}
	return "/reports/crash-test.json", nil
}

func (r *fakeReporter) snapshot() []reportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportCall(nil), r.calls...)
}

// fakeHandle is a liveness handle whose process "dies" on demand.
type fakeHandle struct {
	alive  atomic.Bool
	closed atomic.Int32
}

func (h *fakeHandle) Alive() bool { return h.alive.Load() && h.closed.Load() == 0 }

func (h *fakeHandle) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

// fakeProcesses opens fake handles for pids marked live.
type fakeProcesses struct {
	mu      sync.Mutex
	handles map[int]*fakeHandle
}

func newFakeProcesses(live ...int) *fakeProcesses {
	p := &fakeProcesses{handles: make(map[int]*fakeHandle)}
	for _, pid := range live {
		h := &fakeHandle{}
		h.alive.Store(true)
		p.handles[pid] = h
	}
	return p
}

func (p *fakeProcesses) open(pid int) (session.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[pid]
	if !ok || !h.alive.Load() {
		return nil, session.ErrProcessNotFound
	}
	return h, nil
}

func (p *fakeProcesses) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[pid]; ok {
		h.alive.Store(false)
	}
}

func (p *fakeProcesses) handle(pid int) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[pid]
}

var errBind = errors.New("address already in use")
