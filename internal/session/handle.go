package session

import (
	"context"
	"errors"
	"time"
)

// ErrProcessNotFound is returned by OpenHandle when the pid does not name a
// live process.
var ErrProcessNotFound = errors.New("process not found")

// probeTimeout bounds any single OS query made by a handle.
const probeTimeout = 500 * time.Millisecond

// waitInterval is how often Wait re-checks a handle that cannot block
// natively.
const waitInterval = 50 * time.Millisecond

// Handle is an OS-level ownership handle on a process. It is used only to
// observe whether the process has terminated, never to control it.
type Handle interface {
	// Alive reports whether the process has not yet terminated. A closed
	// handle is never alive.
	Alive() bool

	// Wait blocks until the process terminates or ctx is done.
	Wait(ctx context.Context) error

	// Close releases the handle. Safe to call more than once.
	Close() error
}

// OpenHandle opens a liveness handle for pid using the best mechanism the
// platform offers.
func OpenHandle(pid int) (Handle, error) {
	return openHandle(pid)
}

// pollUntilDead implements Wait for handles that can only be probed.
func pollUntilDead(ctx context.Context, alive func() bool) error {
	if !alive() {
		return nil
	}
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !alive() {
				return nil
			}
		}
	}
}
