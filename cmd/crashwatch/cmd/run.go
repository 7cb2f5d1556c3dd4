package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/config"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/generation"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/launcher"
)

// exitWaitMargin is added to the drain timeout when waiting for the exit
// of a finished child to be recorded.
const exitWaitMargin = time.Second

var runCmd = &cobra.Command{
	Use:   "run [flags] -- program [args...]",
	Short: "Run a program under crash supervision",
	Long: `Start a crash server, launch program with CRASHWATCH_CHANNEL set in its
environment and supervise it until it exits.

crashwatch exits with the program's exit code. When interrupted it gives
the program the configured grace period to exit and then kills it, exiting
with 100. If the exit code cannot be determined it exits with 2.

The program is registered right after it starts. A program that exits
before that cannot be supervised; the attempt is recorded as a
client_rejected event unless the program registered itself first.

Examples:
  crashwatch run -- ./game --level 3
  crashwatch run --grace-period 2s -- ./server`,
	Args:                  cobra.MinimumNArgs(1),
	DisableFlagsInUseLine: true,
	RunE:                  runRun,
}

var (
	runGracePeriod time.Duration
	runAPI         bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runGracePeriod, "grace-period", 0,
		"time an interrupted program gets to exit (default: launch.grace_period)")
	runCmd.Flags().BoolVar(&runAPI, "api", false,
		"serve the HTTP status API while the program runs")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := newMonitor(cfg, logger)
	if err != nil {
		return err
	}
	if err := m.start(monitorOptions{api: &runAPI}); err != nil {
		return err
	}

	grace := runGracePeriod
	if grace <= 0 {
		grace = config.Duration(cfg.Launch.GracePeriod, launcher.DefaultGracePeriod)
	}
	l := launcher.New(cfg.Server.Channel, m.server,
		launcher.WithGracePeriod(grace),
		launcher.WithLogger(logger.WithComponent("launcher").Logger),
		launcher.WithStdio(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()),
	)

	ctx, cancel := signalContext()
	defer cancel()
	exited := m.bus.Subscribe(events.TypeClientExited)
	res, runErr := l.Run(ctx, args[0], args[1:]...)
	if runErr == nil {
		limit := config.Duration(cfg.Server.DrainTimeout, generation.DefaultDrainTimeout) + exitWaitMargin
		waitClientExit(m, exited, res.PID, limit, logger.Logger)
	}
	m.bus.Unsubscribe(exited)
	m.stop()

	if runErr != nil {
		return withExitCode(res.ExitCode, runErr)
	}
	if res.ExitCode != 0 {
		return withExitCode(res.ExitCode, nil)
	}
	return nil
}

// waitClientExit blocks until the server has delivered the exit of pid, so
// stopping the server cannot drop it. It returns at once when pid was never
// bound.
func waitClientExit(m *monitor, exited <-chan events.Event, pid int, limit time.Duration, logger *slog.Logger) {
	if m.server.Status().PID != pid {
		return
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-exited:
			if !ok || ev.ClientPID() == pid {
				return
			}
		case <-timer.C:
			logger.Warn("client exit not delivered before shutdown", "pid", pid, "waited", limit)
			return
		}
	}
}
