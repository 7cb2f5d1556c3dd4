package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/api"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/config"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/crashserver"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/generation"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/report"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/store"
)

// monitor bundles a crash server with its event history and status API.
type monitor struct {
	cfg    *config.Config
	logger *logging.Logger

	bus    *events.EventBus
	store  *store.EventStore
	server *crashserver.Server

	recordCancel context.CancelFunc
	recordDone   <-chan struct{}
	apiCancel    context.CancelFunc
	apiDone      chan struct{}
	apiErr       error
}

type monitorOptions struct {
	// api overrides api.enabled when set.
	api *bool
}

// newMonitor wires the crash server from cfg. Nothing listens until start.
func newMonitor(cfg *config.Config, logger *logging.Logger) (*monitor, error) {
	m := &monitor{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(256),
	}

	var writer generation.DumpWriter = generation.ContextDumpWriter{}
	if cfg.Server.DumpCommand != "" {
		cw, err := generation.NewCommandDumpWriter(cfg.Server.DumpCommand,
			config.Duration(cfg.Server.DumpTimeout, 30*time.Second))
		if err != nil {
			return nil, err
		}
		writer = cw
	}

	backend := generation.NewServer(
		generation.WithDumpDir(cfg.Server.DumpDir),
		generation.WithDumpWriter(writer),
		generation.WithRegisterTimeout(config.Duration(cfg.Server.RegisterTimeout, generation.DefaultRegisterTimeout)),
		generation.WithReadTimeout(config.Duration(cfg.Server.ReadTimeout, generation.DefaultReadTimeout)),
		generation.WithDrainTimeout(config.Duration(cfg.Server.DrainTimeout, generation.DefaultDrainTimeout)),
		generation.WithLogger(logger.Logger),
	)

	collector := diagnostics.NewCollector(
		diagnostics.NewHostSources(cfg.Collector.MaxProcesses),
		diagnostics.WithTimeout(config.Duration(cfg.Collector.Timeout, diagnostics.DefaultTimeout)),
		diagnostics.WithProbeTimeout(config.Duration(cfg.Collector.ProbeTimeout, diagnostics.DefaultProbeTimeout)),
		diagnostics.WithLogger(logger.Logger),
	)

	m.server = crashserver.New(backend, collector,
		crashserver.WithLogger(logger.Logger),
		crashserver.WithEventBus(m.bus),
		crashserver.WithReporter(report.NewWriter(cfg.Report.Dir, cfg.Report.MaxFiles, cfg.Report.IncludeEnv, logger.Logger)),
	)
	return m, nil
}

// start opens the event history, binds the channel and starts the API.
func (m *monitor) start(opts monitorOptions) error {
	if m.cfg.Store.Enabled {
		st, err := store.Open(m.cfg.Store.Path, store.WithLogger(m.logger.Logger))
		if err != nil {
			return fmt.Errorf("opening event store: %w", err)
		}
		m.store = st
		if n, err := st.Prune(context.Background(), m.cfg.Store.MaxEvents); err != nil {
			m.logger.Warn("failed to prune event history", "error", err)
		} else if n > 0 {
			m.logger.Debug("pruned event history", "removed", n)
		}

		ctx, cancel := context.WithCancel(context.Background())
		m.recordCancel = cancel
		m.recordDone = st.Record(ctx, m.bus)
	}

	if err := m.server.Start(m.cfg.Server.Channel); err != nil {
		m.closeStore()
		return err
	}

	apiEnabled := m.cfg.API.Enabled
	if opts.api != nil {
		apiEnabled = *opts.api
	}
	if apiEnabled {
		m.startAPI()
	}
	return nil
}

func (m *monitor) startAPI() {
	apiOpts := []api.ServerOption{
		api.WithLogger(m.logger.WithComponent("api").Logger),
		api.WithEventBus(m.bus),
		api.WithReportDir(m.cfg.Report.Dir),
	}
	if m.store != nil {
		apiOpts = append(apiOpts, api.WithEventStore(m.store))
	}
	srv := api.NewServer(m.server, apiOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	m.apiCancel = cancel
	m.apiDone = make(chan struct{})
	go func() {
		defer close(m.apiDone)
		m.apiErr = srv.ListenAndServe(ctx, m.cfg.API.Addr)
	}()
}

// stop shuts everything down in reverse order. Events published by the
// crash server while stopping still reach the history.
func (m *monitor) stop() {
	if m.apiCancel != nil {
		m.apiCancel()
		<-m.apiDone
	}
	m.server.Stop()
	m.closeStore()
	m.bus.Close()
}

func (m *monitor) closeStore() {
	if m.store == nil {
		return
	}
	m.recordCancel()
	<-m.recordDone
	if err := m.store.Close(); err != nil {
		m.logger.Warn("failed to close event store", "error", err)
	}
	m.store = nil
}

// apiStopped is closed when the status API stops serving. It is nil when
// the API is disabled.
func (m *monitor) apiStopped() <-chan struct{} {
	return m.apiDone
}

// apiError is the status API's exit error. Valid once apiStopped is closed.
func (m *monitor) apiError() error {
	return m.apiErr
}
