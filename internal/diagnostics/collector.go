package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"
)

// Default time budget for a collection.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// Sources supplies the three snapshot fields. Each method is called on its
// own goroutine and should honor ctx, although the collector does not rely
// on it.
type Sources interface {
	HardwareInfo(ctx context.Context) (*HardwareInfo, error)
	MemoryInfo(ctx context.Context) (*MemoryInfo, error)
	ProcessList(ctx context.Context) ([]ProcessRecord, error)
}

// Probe names one snapshot field.
type Probe string

const (
	ProbeHardware  Probe = "hardware"
	ProbeMemory    Probe = "memory"
	ProbeProcesses Probe = "processes"
)

// AllProbes lists probes in snapshot order.
var AllProbes = []Probe{ProbeHardware, ProbeMemory, ProbeProcesses}

// ProbeStatus is the outcome of one probe.
type ProbeStatus string

const (
	ProbeOK       ProbeStatus = "ok"
	ProbeFailed   ProbeStatus = "failed"
	ProbeTimedOut ProbeStatus = "timeout"
	ProbePanicked ProbeStatus = "panicked"
)

// ErrProbeTimeout is recorded for a probe abandoned at its deadline.
var ErrProbeTimeout = errors.New("probe deadline exceeded")

// ProbeResult records how one probe went.
type ProbeResult struct {
	Probe    Probe         `json:"probe" yaml:"probe"`
	Status   ProbeStatus   `json:"status" yaml:"status"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Snapshot is the diagnostic bundle captured for one dump request.
// Fields whose probe did not succeed are left empty.
type Snapshot struct {
	CollectedAt time.Time       `json:"collected_at" yaml:"collected_at"`
	Duration    time.Duration   `json:"duration" yaml:"duration"`
	Hardware    *HardwareInfo   `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Memory      *MemoryInfo     `json:"memory,omitempty" yaml:"memory,omitempty"`
	Processes   []ProcessRecord `json:"processes,omitempty" yaml:"processes,omitempty"`
	Probes      []ProbeResult   `json:"probes" yaml:"probes"`
	Warnings    []string        `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Complete reports whether every probe succeeded.
func (s Snapshot) Complete() bool {
	for _, p := range s.Probes {
		if p.Status != ProbeOK {
			return false
		}
	}
	return len(s.Probes) == len(AllProbes)
}

// Result returns the outcome of probe p.
func (s Snapshot) Result(p Probe) (ProbeResult, bool) {
	for _, r := range s.Probes {
		if r.Probe == p {
			return r, true
		}
	}
	return ProbeResult{}, false
}

// Collector produces snapshots within a bounded time budget.
type Collector struct {
	sources      Sources
	timeout      time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithTimeout sets the overall collection deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithProbeTimeout sets the deadline of each individual probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithLogger sets the logger used for probe failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCollector creates a collector over sources.
func NewCollector(sources Sources, opts ...Option) *Collector {
	c := &Collector{
		sources:      sources,
		timeout:      DefaultTimeout,
		probeTimeout: DefaultProbeTimeout,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type probeOutcome struct {
	probe    Probe
	value    any
	err      error
	status   ProbeStatus
	duration time.Duration
}

// Collect gathers a snapshot. It always returns, at the latest when the
// overall deadline or ctx expires.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Buffered so probes that finish after the deadline never block.
	results := make(chan probeOutcome, len(AllProbes))
	pending := make(map[Probe]bool, len(AllProbes))
	for _, p := range AllProbes {
		pending[p] = true
		go c.runProbe(ctx, p, results)
	}

	snap := Snapshot{CollectedAt: start.UTC()}
	for len(pending) > 0 {
		select {
		case out := <-results:
			if !pending[out.probe] {
				continue
			}
			delete(pending, out.probe)
			c.apply(&snap, out)
		case <-ctx.Done():
			for _, p := range AllProbes {
				if pending[p] {
					delete(pending, p)
					c.apply(&snap, probeOutcome{
						probe:    p,
						err:      ErrProbeTimeout,
						status:   ProbeTimedOut,
						duration: time.Since(start),
					})
				}
			}
		}
	}

	sort.Slice(snap.Probes, func(i, j int) bool {
		return probeIndex(snap.Probes[i].Probe) < probeIndex(snap.Probes[j].Probe)
	})
	sort.Slice(snap.Processes, func(i, j int) bool {
		return snap.Processes[i].PID < snap.Processes[j].PID
	})
	snap.Duration = time.Since(start)
	return snap
}

// runProbe runs one probe under its own deadline. The probe itself runs on a
// further goroutine so a probe that ignores ctx is abandoned rather than
// waited for.
func (c *Collector) runProbe(ctx context.Context, p Probe, out chan<- probeOutcome) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	done := make(chan probeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("diagnostic probe panicked",
					"probe", string(p),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- probeOutcome{probe: p, err: fmt.Errorf("panic: %v", r), status: ProbePanicked}
			}
		}()
		v, err := c.call(pctx, p)
		if err != nil {
			done <- probeOutcome{probe: p, err: err, status: ProbeFailed}
			return
		}
		done <- probeOutcome{probe: p, value: v, status: ProbeOK}
	}()

	var o probeOutcome
	select {
	case o = <-done:
	case <-pctx.Done():
		o = probeOutcome{probe: p, err: ErrProbeTimeout, status: ProbeTimedOut}
	}
	o.duration = time.Since(start)
	out <- o
}

func (c *Collector) call(ctx context.Context, p Probe) (any, error) {
	if c.sources == nil {
		return nil, errors.New("no diagnostic sources configured")
	}
	switch p {
	case ProbeHardware:
		return c.sources.HardwareInfo(ctx)
	case ProbeMemory:
		return c.sources.MemoryInfo(ctx)
	case ProbeProcesses:
		return c.sources.ProcessList(ctx)
	default:
		return nil, fmt.Errorf("unknown probe %q", p)
	}
}

func (c *Collector) apply(snap *Snapshot, o probeOutcome) {
	res := ProbeResult{Probe: o.probe, Status: o.status, Duration: o.duration}

	if o.status == ProbeOK {
		switch v := o.value.(type) {
		case *HardwareInfo:
			snap.Hardware = v
		case *MemoryInfo:
			snap.Memory = v
		case []ProcessRecord:
			snap.Processes = v
		}
	} else {
		if o.err != nil {
			res.Error = o.err.Error()
		}
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("%s probe %s: %s", o.probe, o.status, res.Error))
		c.logger.Warn("diagnostic probe did not complete",
			"probe", string(o.probe),
			"status", string(o.status),
			"error", res.Error,
		)
	}
	snap.Probes = append(snap.Probes, res)
}

func probeIndex(p Probe) int {
	for i, q := range AllProbes {
		if q == p {
			return i
		}
	}
	return len(AllProbes)
}
