//go:build linux

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pidfdHandle owns a pidfd. The descriptor becomes readable once the process
// terminates, zombies included, and it can never refer to a recycled pid.
type pidfdHandle struct {
	mu  sync.Mutex
	fd  int
	pid int
}

func openHandle(pid int) (Handle, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return nil, ErrProcessNotFound
		case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EPERM):
			// Pre-5.3 kernel or a seccomp filter; probe instead.
			return openProbeHandle(pid)
		default:
			return nil, fmt.Errorf("pidfd_open(%d): %w", pid, err)
		}
	}

	h := &pidfdHandle{fd: fd, pid: pid}
	if !h.Alive() {
		_ = h.Close()
		return nil, ErrProcessNotFound
	}
	return h, nil
}

func (h *pidfdHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return false
	}
	signaled, err := pollPidfd(h.fd, 0)
	return err == nil && !signaled
}

// Wait polls a duplicate of the descriptor so Close and Alive are never
// blocked behind it.
func (h *pidfdHandle) Wait(ctx context.Context) error {
	h.mu.Lock()
	if h.fd < 0 {
		h.mu.Unlock()
		return nil
	}
	dup, err := unix.Dup(h.fd)
	h.mu.Unlock()
	if err != nil {
		return pollUntilDead(ctx, h.Alive)
	}
	defer unix.Close(dup)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		signaled, err := pollPidfd(dup, int(waitInterval.Milliseconds()))
		if err != nil {
			return fmt.Errorf("polling pidfd for pid %d: %w", h.pid, err)
		}
		if signaled {
			return nil
		}
	}
}

func (h *pidfdHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

// pollPidfd reports whether fd is readable within timeoutMs.
func pollPidfd(fd, timeoutMs int) (bool, error) {
	// #nosec G115 -- file descriptors fit int32
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}
