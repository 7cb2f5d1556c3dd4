package report

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
)

func testSnapshot() diagnostics.Snapshot {
	return diagnostics.Snapshot{
		CollectedAt: time.Now().UTC(),
		Memory:      &diagnostics.MemoryInfo{TotalMB: 2048},
		Processes:   []diagnostics.ProcessRecord{{PID: 1, Name: "init"}},
		Probes: []diagnostics.ProbeResult{
			{Probe: diagnostics.ProbeHardware, Status: diagnostics.ProbeFailed, Error: "boom"},
			{Probe: diagnostics.ProbeMemory, Status: diagnostics.ProbeOK},
			{Probe: diagnostics.ProbeProcesses, Status: diagnostics.ProbeOK},
		},
		Warnings: []string{"hardware probe failed: boom"},
	}
}

func TestWriter_ReportRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := NewWriter(dir, 5, false, nil)

	info := core.ClientInfo{PID: 1234, Payload: []byte("app/2.1")}
	path, err := w.Report(context.Background(), info, "/var/dumps/1234.dmp", testSnapshot())
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if filepath.Dir(path) != dir || !IsReportFile(filepath.Base(path)) {
		t.Errorf("unexpected path %s", path)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if r.Client.PID != 1234 || r.Client.Payload != "app/2.1" {
		t.Errorf("client = %+v", r.Client)
	}
	if r.DumpPath != "/var/dumps/1234.dmp" {
		t.Errorf("DumpPath = %q", r.DumpPath)
	}
	if len(r.Snapshot.Processes) != 1 || r.Snapshot.Memory == nil {
		t.Errorf("snapshot lost in round trip: %+v", r.Snapshot)
	}
	if r.Snapshot.Hardware != nil {
		t.Error("failed probe field should stay empty")
	}
	if r.ID == "" || r.Supervisor.PID != os.Getpid() {
		t.Errorf("metadata = id %q supervisor %+v", r.ID, r.Supervisor)
	}
	if r.RedactedEnv != nil {
		t.Error("environment included although disabled")
	}

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" && info2.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info2.Mode().Perm())
	}
}

func TestWriter_RotatesToMaxFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := NewWriter(dir, 3, false, nil)

	var paths []string
	for i := 0; i < 5; i++ {
		p, err := w.Report(context.Background(), core.ClientInfo{PID: 100 + i}, "", testSnapshot())
		if err != nil {
			t.Fatalf("Report() #%d error = %v", i, err)
		}
		paths = append(paths, p)
		// Distinct mtimes on coarse filesystems.
		time.Sleep(15 * time.Millisecond)
	}

	left, err := List(dir)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(left) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(left))
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Error("oldest report was not removed")
	}
	if left[len(left)-1] != paths[4] {
		t.Errorf("newest = %s, want %s", left[len(left)-1], paths[4])
	}
}

func TestWriter_IgnoresForeignFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	foreign := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(foreign, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := NewWriter(dir, 1, false, nil)
	for i := 0; i < 3; i++ {
		if _, err := w.Report(context.Background(), core.ClientInfo{PID: i + 1}, "", testSnapshot()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("foreign file removed: %v", err)
	}
}

func TestLoadLatest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := NewWriter(dir, 10, false, nil)

	for _, pid := range []int{10, 20, 30} {
		if _, err := w.Report(context.Background(), core.ClientInfo{PID: pid}, "", testSnapshot()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	r, path, err := LoadLatest(dir)
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if r.Client.PID != 30 {
		t.Errorf("latest pid = %d, want 30", r.Client.PID)
	}
	if !strings.HasPrefix(filepath.Base(path), "crash-") {
		t.Errorf("path = %s", path)
	}
}

func TestLoadLatest_Empty(t *testing.T) {
	t.Parallel()
	if _, _, err := LoadLatest(t.TempDir()); !errors.Is(err, ErrNoReports) {
		t.Errorf("empty dir error = %v, want ErrNoReports", err)
	}
	if _, _, err := LoadLatest(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrNoReports) {
		t.Errorf("missing dir error = %v, want ErrNoReports", err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "crash-bad.json")
	if err := os.WriteFile(p, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Error("expected parse error")
	}
}

func TestExportYAML(t *testing.T) {
	t.Parallel()
	w := NewWriter(t.TempDir(), 1, false, nil)
	r := w.Build(core.ClientInfo{PID: 77, Payload: []byte("svc")}, "/d/77.dmp", testSnapshot())

	var buf bytes.Buffer
	if err := ExportYAML(&buf, r); err != nil {
		t.Fatalf("ExportYAML() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"pid: 77", "dump_path: /d/77.dmp", "payload: svc", "status: failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml missing %q:\n%s", want, out)
		}
	}
}

func TestRedactEnvironment(t *testing.T) {
	t.Parallel()
	env := RedactEnvironment([]string{
		"HOME=/home/u",
		"GITHUB_TOKEN=ghp_abc",
		"db_password=hunter2",
		"MY_API_KEY=xyz",
		"EMPTY=",
		"BROKEN",
		"=nokey",
	})

	if env["HOME"] != "/home/u" {
		t.Errorf("HOME = %q", env["HOME"])
	}
	for _, k := range []string{"GITHUB_TOKEN", "db_password", "MY_API_KEY"} {
		if env[k] != "[REDACTED]" {
			t.Errorf("%s = %q, want redacted", k, env[k])
		}
	}
	if v, ok := env["EMPTY"]; !ok || v != "" {
		t.Errorf("EMPTY = %q, %v", v, ok)
	}
	if _, ok := env["BROKEN"]; ok {
		t.Error("entry without '=' kept")
	}
	if len(env) != 5 {
		t.Errorf("len = %d, want 5", len(env))
	}
}

func TestWriter_IncludeEnv(t *testing.T) {
	t.Setenv("CRASHWATCH_TEST_SECRET", "s3cr3t")
	w := NewWriter(t.TempDir(), 1, true, nil)
	r := w.Build(core.ClientInfo{PID: 1}, "", testSnapshot())
	if r.RedactedEnv["CRASHWATCH_TEST_SECRET"] != "[REDACTED]" {
		t.Errorf("secret = %q", r.RedactedEnv["CRASHWATCH_TEST_SECRET"])
	}
}

func TestWatch_ReportsNewFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := NewWriter(dir, 10, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	found := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, dir, func(p string) { found <- p })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	path, err := w.Report(context.Background(), core.ClientInfo{PID: 5}, "", testSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-found:
		if got != path {
			t.Errorf("watched %s, want %s", got, path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("new report not observed")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
