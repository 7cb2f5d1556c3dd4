package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Collector CollectorConfig `mapstructure:"collector"`
	Report    ReportConfig    `mapstructure:"report"`
	Store     StoreConfig     `mapstructure:"store"`
	API       APIConfig       `mapstructure:"api"`
	Launch    LaunchConfig    `mapstructure:"launch"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
	// RedactPatterns are extra regular expressions scrubbed from log output.
	RedactPatterns []string `mapstructure:"redact_patterns"`
}

// ServerConfig configures the crash server and its channel.
type ServerConfig struct {
	// Channel is the unix socket clients connect to.
	Channel string `mapstructure:"channel"`
	DumpDir string `mapstructure:"dump_dir"`

	// DumpCommand captures a native dump, e.g. "gcore -o {path} {pid}".
	// Empty stores the client's crash context instead.
	DumpCommand     string `mapstructure:"dump_command"`
	DumpTimeout     string `mapstructure:"dump_timeout"`
	RegisterTimeout string `mapstructure:"register_timeout"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	DrainTimeout    string `mapstructure:"drain_timeout"`
}

// CollectorConfig configures diagnostic collection.
type CollectorConfig struct {
	Timeout      string `mapstructure:"timeout"`
	ProbeTimeout string `mapstructure:"probe_timeout"`
	MaxProcesses int    `mapstructure:"max_processes"`
}

// ReportConfig configures crash report files.
type ReportConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxFiles   int    `mapstructure:"max_files"`
	IncludeEnv bool   `mapstructure:"include_env"`
}

// StoreConfig configures the event history database.
type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LaunchConfig configures `crashwatch run`.
type LaunchConfig struct {
	// GracePeriod is how long a child may take to exit after the launcher
	// is interrupted before it is killed.
	GracePeriod string `mapstructure:"grace_period"`
}

// Duration parses s, returning fallback when s is empty or invalid.
// Validated configs never hit the fallback.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
