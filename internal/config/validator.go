package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// maxSocketPath is the smallest sun_path limit among supported platforms
// (macOS and the BSDs), minus the terminating NUL.
const maxSocketPath = 103

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateCollector(&cfg.Collector)
	v.validateReport(&cfg.Report)
	v.validateStore(&cfg.Store)
	v.validateAPI(&cfg.API)
	v.validateLaunch(&cfg.Launch)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}

	for _, p := range cfg.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			v.addError("log.redact_patterns", p, "invalid regular expression")
		}
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	switch {
	case cfg.Channel == "":
		v.addError("server.channel", cfg.Channel, "channel required")
	case len(cfg.Channel) > maxSocketPath:
		v.addError("server.channel", cfg.Channel, fmt.Sprintf("socket path longer than %d bytes", maxSocketPath))
	case !isValidPath(cfg.Channel):
		v.addError("server.channel", cfg.Channel, "invalid socket path")
	}

	if cfg.DumpDir == "" {
		v.addError("server.dump_dir", cfg.DumpDir, "directory required")
	}

	if cfg.DumpCommand != "" {
		if fields := strings.Fields(cfg.DumpCommand); len(fields) == 0 {
			v.addError("server.dump_command", cfg.DumpCommand, "command is blank")
		} else if !strings.Contains(cfg.DumpCommand, "{path}") {
			v.addError("server.dump_command", cfg.DumpCommand, "must reference {path}")
		}
	}

	v.validateDuration("server.dump_timeout", cfg.DumpTimeout)
	v.validateDuration("server.register_timeout", cfg.RegisterTimeout)
	v.validateDuration("server.read_timeout", cfg.ReadTimeout)
	v.validateDuration("server.drain_timeout", cfg.DrainTimeout)
}

func (v *Validator) validateCollector(cfg *CollectorConfig) {
	timeout := v.validateDuration("collector.timeout", cfg.Timeout)
	probe := v.validateDuration("collector.probe_timeout", cfg.ProbeTimeout)
	if timeout > 0 && probe > timeout {
		v.addError("collector.probe_timeout", cfg.ProbeTimeout, "must not exceed collector.timeout")
	}

	if cfg.MaxProcesses <= 0 {
		v.addError("collector.max_processes", cfg.MaxProcesses, "must be positive")
	}
}

func (v *Validator) validateReport(cfg *ReportConfig) {
	if cfg.Dir == "" {
		v.addError("report.dir", cfg.Dir, "directory required")
	} else if !isValidPath(cfg.Dir) {
		v.addError("report.dir", cfg.Dir, "invalid directory path")
	}

	if cfg.MaxFiles <= 0 {
		v.addError("report.max_files", cfg.MaxFiles, "must be positive")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Path == "" {
		v.addError("store.path", cfg.Path, "path required when store is enabled")
	} else if !isValidPath(cfg.Path) {
		v.addError("store.path", cfg.Path, "invalid file path")
	}
	if cfg.MaxEvents < 0 {
		v.addError("store.max_events", cfg.MaxEvents, "must not be negative")
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if !cfg.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("api.addr", cfg.Addr, "must be host:port")
	}
}

func (v *Validator) validateLaunch(cfg *LaunchConfig) {
	v.validateDuration("launch.grace_period", cfg.GracePeriod)
}

// validateDuration records an error unless s is a positive duration and
// returns the parsed value.
func (v *Validator) validateDuration(field, s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		v.addError(field, s, "invalid duration format")
		return 0
	}
	if d <= 0 {
		v.addError(field, s, "must be positive")
		return 0
	}
	return d
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
