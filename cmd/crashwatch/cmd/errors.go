package cmd

import (
	"errors"
	"fmt"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withExitCode makes err exit the process with code. A nil err exits
// silently.
func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err, silent: err == nil}
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// IsSilent reports whether err should exit without printing a message.
func IsSilent(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.silent
}
