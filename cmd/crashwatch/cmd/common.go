package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/config"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/logging"
)

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger creates the process logger. When log.file is set output goes
// there and the caller must close the returned closer.
func newLogger(cfg *config.Config) (*logging.Logger, io.Closer, error) {
	lc := logging.Config{
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		Output:         os.Stderr,
		RedactPatterns: cfg.Log.RedactPatterns,
	}
	if quiet && lc.Level != "error" {
		lc.Level = "warn"
	}
	if cfg.Log.File != "" {
		return logging.NewFile(lc, cfg.Log.File)
	}
	return logging.New(lc), nopCloser{}, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printf writes command output unless --quiet is set.
func printf(w io.Writer, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(w, format, args...)
}
