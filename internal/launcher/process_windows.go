//go:build windows

package launcher

import (
	"os"
	"os/exec"
)

func configureProcAttr(_ *exec.Cmd) {}

// interrupt has no console-independent equivalent of SIGTERM on Windows, so
// the child is left to the grace period.
func interrupt(_ *exec.Cmd) error { return nil }

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func signalExitCode(_ *os.ProcessState) (int, bool) { return 0, false }
