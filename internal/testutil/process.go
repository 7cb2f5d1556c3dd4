package testutil

import (
	"os/exec"
	"runtime"
	"testing"
	"time"
)

// Child is a helper process started for a test.
type Child struct {
	Cmd  *exec.Cmd
	done chan struct{}
}

// PID returns the child's process id.
func (c *Child) PID() int {
	return c.Cmd.Process.Pid
}

// Kill terminates the child and reaps it.
func (c *Child) Kill(t *testing.T) {
	t.Helper()
	_ = c.Cmd.Process.Kill()
	c.WaitExit(t, 5*time.Second)
}

// WaitExit blocks until the child has been reaped.
func (c *Child) WaitExit(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(timeout):
		t.Fatalf("child %d did not exit within %v", c.PID(), timeout)
	}
}

// Exited reports whether the child has been reaped.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// RequireUnix skips tests that spawn POSIX utilities.
func RequireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX userland")
	}
}

// StartSleeper starts a long-running child process that is killed when the
// test ends.
func StartSleeper(t *testing.T) *Child {
	t.Helper()
	RequireUnix(t)
	return startChild(t, exec.Command("sleep", "60"))
}

// StartCommand starts cmd as a child process that is killed when the test
// ends.
func StartCommand(t *testing.T, name string, args ...string) *Child {
	t.Helper()
	RequireUnix(t)
	return startChild(t, exec.Command(name, args...))
}

func startChild(t *testing.T, cmd *exec.Cmd) *Child {
	t.Helper()
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %s: %v", cmd.Path, err)
	}
	c := &Child{Cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(c.done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
		}
	})
	return c
}

// DeadPID returns the pid of a child that has already exited and been
// reaped.
func DeadPID(t *testing.T) int {
	t.Helper()
	RequireUnix(t)
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("running true: %v", err)
	}
	return cmd.Process.Pid
}
