package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/report"
)

func writeReport(t *testing.T, dir, dumpPath string) string {
	t.Helper()
	w := report.NewWriter(filepath.Join(dir, "reports"), 5, false, nil)
	info := core.ClientInfo{PID: 4242, Payload: []byte("app/1.0")}
	path, err := w.Report(context.Background(), info, dumpPath, diagnostics.Snapshot{CollectedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	return path
}

func TestExportVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "4242-1.dmp")
	if err := os.WriteFile(dumpPath, []byte("minidump bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	reportPath := writeReport(t, dir, dumpPath)
	out := filepath.Join(dir, "out", "crash.tar.gz")

	res, err := Export(reportPath, out)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.OutputPath != out {
		t.Errorf("OutputPath = %q", res.OutputPath)
	}
	if !res.Manifest.DumpIncluded || res.Manifest.ClientPID != 4242 || res.Manifest.ReportID == "" {
		t.Errorf("manifest = %+v", res.Manifest)
	}
	if len(res.Manifest.Files) != 2 {
		t.Fatalf("len(Files) = %d, want 2", len(res.Manifest.Files))
	}
	if res.Manifest.Files[1].Path != "dump/4242-1.dmp" {
		t.Errorf("dump entry = %q", res.Manifest.Files[1].Path)
	}

	manifest, err := Verify(out)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if manifest.ReportID != res.Manifest.ReportID || len(manifest.Files) != 2 {
		t.Errorf("verified manifest = %+v", manifest)
	}
}

func TestExport_MissingDump(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	reportPath := writeReport(t, dir, filepath.Join(dir, "gone.dmp"))
	out := filepath.Join(dir, "crash.tar.gz")

	res, err := Export(reportPath, out)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Manifest.DumpIncluded || len(res.Manifest.Files) != 1 {
		t.Errorf("manifest = %+v", res.Manifest)
	}
	if _, err := Verify(out); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestExport_BadReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bad := filepath.Join(dir, "crash-bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "crash.tar.gz")
	if _, err := Export(bad, out); err == nil {
		t.Fatal("expected error for corrupt report")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output should not exist, stat err = %v", err)
	}
	if _, err := Export("", out); err == nil {
		t.Error("expected error for empty report path")
	}
	if _, err := Export(bad, " "); err == nil {
		t.Error("expected error for empty output path")
	}
}

func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		if err := writeTarEntry(tw, name, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()
	badSum := `{"version":1,"files":[{"path":"report.json","sha256":"00","size":2,"mode":384}]}`
	badSize := `{"version":1,"files":[{"path":"report.json","sha256":"00","size":9,"mode":384}]}`

	tests := []struct {
		name    string
		entries map[string]string
		wantErr string
	}{
		{"no manifest", map[string]string{"report.json": "{}"}, "missing manifest.json"},
		{"bad manifest", map[string]string{"manifest.json": "nope"}, "decoding manifest"},
		{"wrong version", map[string]string{"manifest.json": `{"version":9}`}, "unsupported bundle version"},
		{"missing entry", map[string]string{"manifest.json": `{"version":1,"files":[{"path":"dump/x.dmp"}]}`}, "not found in archive"},
		{"size mismatch", map[string]string{"manifest.json": badSize, "report.json": "{}"}, "size mismatch"},
		{"checksum mismatch", map[string]string{"manifest.json": badSum, "report.json": "{}"}, "checksum mismatch"},
		{"no report", map[string]string{"manifest.json": `{"version":1}`}, "missing required entry"},
		{"traversal", map[string]string{"../evil": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "b.tar.gz")
			writeArchive(t, path, tt.entries)
			_, err := Verify(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func writeOrderedArchive(t *testing.T, path string, names []string, body string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		if err := writeTarEntry(tw, name, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestVerify_RejectsDuplicateEntries(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dup.tar.gz")
	writeOrderedArchive(t, path, []string{"report.json", "./report.json"}, "{}")

	_, err := Verify(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate archive entry: report.json") {
		t.Fatalf("Verify() error = %v, want duplicate entry", err)
	}
}

func TestVerify_RejectsTooManyEntries(t *testing.T) {
	t.Parallel()
	names := make([]string, maxEntries+1)
	for i := range names {
		names[i] = fmt.Sprintf("dump/%02d.dmp", i)
	}
	path := filepath.Join(t.TempDir(), "many.tar.gz")
	writeOrderedArchive(t, path, names, "x")

	_, err := Verify(path)
	if err == nil || !strings.Contains(err.Error(), "more than") {
		t.Fatalf("Verify() error = %v, want entry limit", err)
	}
}

func TestVerify_NotGzip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(path, []byte("plain"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(path); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
	if _, err := Verify(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCleanArchivePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"report.json", "report.json", false},
		{"./dump/a.dmp", "dump/a.dmp", false},
		{"dump/../report.json", "report.json", false},
		{"", "", true},
		{".", "", true},
		{"/etc/passwd", "", true},
		{"../x", "", true},
		{"..", "", true},
	}
	for _, tt := range tests {
		got, err := cleanArchivePath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("cleanArchivePath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("cleanArchivePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
