//go:build windows

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

// processHandle owns a SYNCHRONIZE handle; the handle is signaled when the
// process terminates.
type processHandle struct {
	mu  sync.Mutex
	h   windows.Handle
	pid int
}

func openHandle(pid int) (Handle, error) {
	// #nosec G115 -- pid is validated positive by the caller
	h, err := windows.OpenProcess(windows.SYNCHRONIZE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil, ErrProcessNotFound
		}
		return nil, fmt.Errorf("OpenProcess(%d): %w", pid, err)
	}

	ph := &processHandle{h: h, pid: pid}
	if !ph.Alive() {
		_ = ph.Close()
		return nil, ErrProcessNotFound
	}
	return ph, nil
}

func (p *processHandle) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h == 0 {
		return false
	}
	event, err := windows.WaitForSingleObject(p.h, 0)
	if err != nil {
		return false
	}
	return event != windows.WAIT_OBJECT_0
}

func (p *processHandle) Wait(ctx context.Context) error {
	return pollUntilDead(ctx, p.Alive)
}

func (p *processHandle) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h == 0 {
		return nil
	}
	err := windows.CloseHandle(p.h)
	p.h = 0
	return err
}
