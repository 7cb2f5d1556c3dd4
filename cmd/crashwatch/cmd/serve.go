package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crash server",
	Long: `Start the crash server and wait for a client.

Clients connect to the channel socket and register themselves. A process
that cannot register itself can be supervised by pid with --pid.

Examples:
  # Listen on the default per-user socket
  crashwatch serve

  # Supervise an already running process and expose the status API
  crashwatch serve --pid 4242 --api

  # Exit once the supervised process has exited
  crashwatch serve --pid 4242 --once`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	servePID  int
	serveAPI  bool
	serveOnce bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePID, "pid", 0,
		"supervise this running process")
	serveCmd.Flags().BoolVar(&serveAPI, "api", false,
		"serve the HTTP status API (overrides api.enabled)")
	serveCmd.Flags().String("api-addr", "",
		"status API listen address")
	serveCmd.Flags().BoolVar(&serveOnce, "once", false,
		"stop after the first client exits")

	_ = viper.BindPFlag("api.addr", serveCmd.Flags().Lookup("api-addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	var exited <-chan events.Event
	if serveOnce {
		exited = m.bus.Subscribe(events.TypeClientExited)
	}

	opts := monitorOptions{}
	if cmd.Flags().Changed("api") {
		opts.api = &serveAPI
	}
	if err := m.start(opts); err != nil {
		return err
	}
	defer m.stop()

	printf(cmd.OutOrStdout(), "crashwatch listening on %s\n", cfg.Server.Channel)
	if m.apiStopped() != nil {
		printf(cmd.OutOrStdout(), "status API on http://%s\n", cfg.API.Addr)
	}

	if servePID != 0 {
		if err := m.server.SetClient(servePID); err != nil {
			return fmt.Errorf("supervising pid %d: %w", servePID, err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	return waitServe(ctx, m, exited)
}

// waitServe blocks until ctx is canceled, the status API fails, or a
// client exits when exited is non-nil.
func waitServe(ctx context.Context, m *monitor, exited <-chan events.Event) error {
	select {
	case <-ctx.Done():
		m.logger.Info("shutting down")
		return nil
	case <-m.apiStopped():
		if err := m.apiError(); err != nil {
			return fmt.Errorf("status API: %w", err)
		}
		return nil
	case ev, ok := <-exited:
		if ok {
			m.logger.Info("client exited, stopping", "pid", ev.ClientPID())
		}
		return nil
	}
}
