// Package report persists crash reports: one JSON document per dump request
// holding the client identity, the dump path and the diagnostic snapshot.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/fsutil"
)

// Defaults for a Writer.
const (
	DefaultDir      = ".crashwatch/reports"
	DefaultMaxFiles = 20
)

// ErrNoReports is returned when a directory holds no crash reports.
var ErrNoReports = errors.New("no crash reports found")

// Report is the persisted record of one crash.
type Report struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	Client   ClientSection `json:"client" yaml:"client"`
	DumpPath string        `json:"dump_path" yaml:"dump_path"`

	Supervisor SupervisorSection    `json:"supervisor" yaml:"supervisor"`
	Snapshot   diagnostics.Snapshot `json:"snapshot" yaml:"snapshot"`

	// Environment (redacted)
	RedactedEnv map[string]string `json:"redacted_env,omitempty" yaml:"redacted_env,omitempty"`
}

// ClientSection identifies the crashed client.
type ClientSection struct {
	PID     int    `json:"pid" yaml:"pid"`
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// SupervisorSection describes the process that wrote the report.
type SupervisorSection struct {
	PID       int    `json:"pid" yaml:"pid"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	GOOS      string `json:"goos" yaml:"goos"`
	GOARCH    string `json:"goarch" yaml:"goarch"`
}

// Writer writes crash reports and keeps at most maxFiles of them.
type Writer struct {
	dir        string
	maxFiles   int
	includeEnv bool
	logger     *slog.Logger

	mu sync.Mutex // Protects file operations
}

// NewWriter creates a report writer.
func NewWriter(dir string, maxFiles int, includeEnv bool, logger *slog.Logger) *Writer {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{
		dir:        dir,
		maxFiles:   maxFiles,
		includeEnv: includeEnv,
		logger:     logger,
	}
}

// Dir returns the report directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Build assembles a report without writing it.
func (w *Writer) Build(info core.ClientInfo, dumpPath string, snap diagnostics.Snapshot) *Report {
	r := &Report{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Client: ClientSection{
			PID:     info.PID,
			Payload: string(info.Payload),
		},
		DumpPath: dumpPath,
		Supervisor: SupervisorSection{
			PID:       os.Getpid(),
			GoVersion: runtime.Version(),
			GOOS:      runtime.GOOS,
			GOARCH:    runtime.GOARCH,
		},
		Snapshot: snap,
	}
	if w.includeEnv {
		r.RedactedEnv = RedactEnvironment(os.Environ())
	}
	return r
}

// Report builds, writes and rotates a report, returning its path.
func (w *Writer) Report(_ context.Context, info core.ClientInfo, dumpPath string, snap diagnostics.Snapshot) (string, error) {
	return w.Write(w.Build(info, dumpPath, snap))
}

// Write persists r atomically and prunes old reports.
func (w *Writer) Write(r *Report) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash report: %w", err)
	}

	path := filepath.Join(w.dir, FileName(r))
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash report: %w", err)
	}

	w.cleanupOldReports()
	return path, nil
}

// FileName returns the file name used for r.
func FileName(r *Report) string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("crash-%s-%s.json", r.CreatedAt.Format("2006-01-02T15-04-05.000"), id)
}

// IsReportFile reports whether name looks like a crash report.
func IsReportFile(name string) bool {
	return strings.HasPrefix(name, "crash-") && strings.HasSuffix(name, ".json")
}

// cleanupOldReports removes reports exceeding maxFiles, oldest first.
func (w *Writer) cleanupOldReports() {
	files, err := listReports(w.dir)
	if err != nil {
		w.logger.Warn("failed to list crash reports", "dir", w.dir, "error", err)
		return
	}
	for len(files) > w.maxFiles {
		path := filepath.Join(w.dir, files[0].name)
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to remove old crash report",
				"path", path,
				"error", err,
			)
		}
		files = files[1:]
	}
}

type reportFile struct {
	name    string
	modTime time.Time
}

// listReports returns reports oldest first. Names embed the creation time so
// they break ties between equal modification times.
func listReports(dir string) ([]reportFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []reportFile
	for _, e := range entries {
		if e.IsDir() || !IsReportFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, reportFile{name: e.Name(), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

// List returns report paths in dir, oldest first.
func List(dir string) ([]string, error) {
	files, err := listReports(dir)
	if err != nil {
		return nil, fmt.Errorf("reading report dir: %w", err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(dir, f.name)
	}
	return paths, nil
}

// Load reads one report.
func Load(path string) (*Report, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading crash report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing crash report: %w", err)
	}
	return &r, nil
}

// LoadLatest loads the most recent report in dir and returns its path.
func LoadLatest(dir string) (*Report, string, error) {
	files, err := listReports(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNoReports
		}
		return nil, "", fmt.Errorf("reading report dir: %w", err)
	}
	if len(files) == 0 {
		return nil, "", ErrNoReports
	}
	path := filepath.Join(dir, files[len(files)-1].name)
	r, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return r, path, nil
}

// ExportYAML writes r as YAML.
func ExportYAML(out io.Writer, r *Report) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report as yaml: %w", err)
	}
	return enc.Close()
}

var sensitiveSubstrings = []string{
	"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
	"AUTH", "PRIVATE", "API_KEY", "APIKEY",
}

// RedactEnvironment turns KEY=VALUE pairs into a map, masking values whose
// key looks sensitive.
func RedactEnvironment(environ []string) map[string]string {
	result := make(map[string]string, len(environ))
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok || key == "" {
			continue
		}
		if isSensitiveKey(key) {
			result[key] = "[REDACTED]"
		} else {
			result[key] = value
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}
