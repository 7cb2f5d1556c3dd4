package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// CRASHWATCH_SERVER_CHANNEL.
const EnvPrefix = "CRASHWATCH"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (CRASHWATCH_*)
// 3. Project config (.crashwatch.yaml in current directory)
// 4. User config (~/.config/crashwatch/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".crashwatch")
		l.v.SetConfigType("yaml")

		// First found wins
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "crashwatch"))
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// DefaultChannel is the socket used when none is configured. It is per-user
// and short enough for the sun_path limit.
func DefaultChannel() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("crashwatch-%d.sock", os.Getuid()))
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Server defaults
	l.v.SetDefault("server.channel", DefaultChannel())
	l.v.SetDefault("server.dump_dir", ".crashwatch/dumps")
	l.v.SetDefault("server.dump_command", "")
	l.v.SetDefault("server.dump_timeout", "30s")
	l.v.SetDefault("server.register_timeout", "10s")
	l.v.SetDefault("server.read_timeout", "10s")
	l.v.SetDefault("server.drain_timeout", "2s")

	// Collector defaults
	l.v.SetDefault("collector.timeout", "5s")
	l.v.SetDefault("collector.probe_timeout", "2s")
	l.v.SetDefault("collector.max_processes", 2048)

	// Report defaults
	l.v.SetDefault("report.dir", ".crashwatch/reports")
	l.v.SetDefault("report.max_files", 20)
	l.v.SetDefault("report.include_env", false)

	// Store defaults
	l.v.SetDefault("store.enabled", true)
	l.v.SetDefault("store.path", ".crashwatch/events.db")
	l.v.SetDefault("store.max_events", 10000)

	// API defaults
	l.v.SetDefault("api.enabled", false)
	l.v.SetDefault("api.addr", "127.0.0.1:8765")

	// Launch defaults
	l.v.SetDefault("launch.grace_period", "9s")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
