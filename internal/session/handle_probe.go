//go:build !windows

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// probeHandle answers liveness by probing the pid on every call. It remembers
// the process creation time so a recycled pid is not mistaken for the
// original process.
type probeHandle struct {
	pid        int
	createTime int64
	closed     atomic.Bool
}

func openProbeHandle(pid int) (Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	// #nosec G115 -- pid is validated positive by the caller and fits int32 on all supported platforms
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrProcessNotFound
		}
		return nil, fmt.Errorf("inspecting pid %d: %w", pid, err)
	}

	h := &probeHandle{pid: pid}
	if ct, err := p.CreateTimeWithContext(ctx); err == nil {
		h.createTime = ct
	}
	if !h.Alive() {
		return nil, ErrProcessNotFound
	}
	return h, nil
}

func (h *probeHandle) Alive() bool {
	if h.closed.Load() {
		return false
	}

	proc, err := os.FindProcess(h.pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything. EPERM means the
	// process exists but belongs to another user.
	if err := proc.Signal(syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	// #nosec G115 -- see openProbeHandle
	p, err := process.NewProcessWithContext(ctx, int32(h.pid))
	if err != nil {
		return false
	}
	if h.createTime != 0 {
		if ct, err := p.CreateTimeWithContext(ctx); err == nil && ct != h.createTime {
			return false
		}
	}
	// Zombies answer signal 0 but have already terminated.
	if statuses, err := p.StatusWithContext(ctx); err == nil {
		for _, st := range statuses {
			if st == process.Zombie {
				return false
			}
		}
	}
	return true
}

func (h *probeHandle) Wait(ctx context.Context) error {
	return pollUntilDead(ctx, h.Alive)
}

func (h *probeHandle) Close() error {
	h.closed.Store(true)
	return nil
}
