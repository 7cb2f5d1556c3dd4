// Package launcher starts a program under crash supervision: the child
// learns the server's channel from its environment and its pid is handed to
// the server before the launcher waits for it.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ChannelEnv carries the crash server's channel address to the child.
const ChannelEnv = "CRASHWATCH_CHANNEL"

// DefaultGracePeriod is how long an interrupted child may take to exit
// before it is killed.
const DefaultGracePeriod = 9 * time.Second

// Exit codes reported when the child's own code is not available.
const (
	ExitStartFailed = 1
	ExitUnknown     = 2
	ExitKilled      = 100
)

// Registrar accepts the pid of a freshly started child.
type Registrar interface {
	SetClient(pid int) error
}

// Result describes how the child ended.
type Result struct {
	PID         int
	ExitCode    int
	Interrupted bool
	Killed      bool
	Duration    time.Duration
}

// Launcher runs supervised children.
type Launcher struct {
	channel     string
	registrar   Registrar
	gracePeriod time.Duration
	logger      *slog.Logger
	env         []string
	dir         string
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithGracePeriod sets how long an interrupted child may take to exit.
func WithGracePeriod(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.gracePeriod = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEnv sets the base environment of the child. Defaults to os.Environ.
func WithEnv(env []string) Option {
	return func(l *Launcher) {
		l.env = env
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(l *Launcher) {
		l.dir = dir
	}
}

// WithStdio connects the child's standard streams. Defaults to the
// launcher's own.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(l *Launcher) {
		l.stdin = stdin
		l.stdout = stdout
		l.stderr = stderr
	}
}

// New creates a launcher for children reporting to the server listening on
// channel. registrar may be nil when the child registers itself.
func New(channel string, registrar Registrar, opts ...Option) *Launcher {
	l := &Launcher{
		channel:     channel,
		registrar:   registrar,
		gracePeriod: DefaultGracePeriod,
		logger:      slog.Default(),
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run starts name with args and waits for it. Canceling ctx interrupts the
// child; if it has not exited after the grace period it is killed.
//
// The returned error is non-nil only when the child could not be started,
// in which case Result.ExitCode is ExitStartFailed.
func (l *Launcher) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = l.environ()
	cmd.Dir = l.dir
	cmd.Stdin = l.stdin
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	configureProcAttr(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: ExitStartFailed}, fmt.Errorf("starting %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	logger := l.logger.With("pid", pid)
	logger.Info("child started", "program", name)

	if l.registrar != nil {
		if err := l.registrar.SetClient(pid); err != nil {
			logger.Warn("crash server did not accept child", "error", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	res := Result{PID: pid}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		res.Interrupted = true
		logger.Info("interrupting child", "grace_period", l.gracePeriod)
		if err := interrupt(cmd); err != nil {
			logger.Debug("interrupt failed", "error", err)
		}

		timer := time.NewTimer(l.gracePeriod)
		select {
		case waitErr = <-done:
			timer.Stop()
		case <-timer.C:
			logger.Warn("child did not exit in time, killing")
			if err := kill(cmd); err != nil {
				logger.Debug("kill failed", "error", err)
			}
			<-done
			res.Killed = true
		}
	}
	res.Duration = time.Since(start)

	if res.Killed {
		res.ExitCode = ExitKilled
	} else {
		res.ExitCode = exitCode(cmd, waitErr)
	}
	logger.Info("child exited", "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

func (l *Launcher) environ() []string {
	env := l.env
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env)+1)
	prefix := ChannelEnv + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, prefix+l.channel)
}

// exitCode maps the result of cmd.Wait to a process exit code.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return ExitUnknown
	}
	if cmd.ProcessState == nil {
		return ExitUnknown
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		return code
	}
	if code, ok := signalExitCode(cmd.ProcessState); ok {
		return code
	}
	return ExitUnknown
}
