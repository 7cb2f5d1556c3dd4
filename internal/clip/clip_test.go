package clip

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"
)

func newTestCopier(nativeErr error, tty bool, env map[string]string) (*Copier, *bytes.Buffer, *[]string) {
	var term bytes.Buffer
	var copied []string
	c := &Copier{
		native: func(text string) error {
			if nativeErr != nil {
				return nativeErr
			}
			copied = append(copied, text)
			return nil
		},
		terminal:   &term,
		isTerminal: func() bool { return tty },
		getenv:     func(k string) string { return env[k] },
	}
	return c, &term, &copied
}

func TestCopy_Native(t *testing.T) {
	t.Parallel()
	c, term, copied := newTestCopier(nil, true, nil)

	res, err := c.Copy("report")
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if res.Method != MethodNative {
		t.Errorf("Method = %s, want native", res.Method)
	}
	if len(*copied) != 1 || (*copied)[0] != "report" {
		t.Errorf("native got %v", *copied)
	}
	if term.Len() != 0 {
		t.Error("OSC52 written despite native success")
	}
}

func TestCopy_OSC52(t *testing.T) {
	t.Parallel()
	c, term, _ := newTestCopier(errors.New("no display"), true, nil)

	res, err := c.Copy("pid 42 crashed")
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if res.Method != MethodOSC52 {
		t.Fatalf("Method = %s, want osc52", res.Method)
	}
	out := term.String()
	if !strings.HasPrefix(out, "\x1b]52;") {
		t.Errorf("not an OSC52 sequence: %q", out)
	}
	if !strings.Contains(out, base64.StdEncoding.EncodeToString([]byte("pid 42 crashed"))) {
		t.Errorf("payload missing: %q", out)
	}
}

func TestCopy_OSC52Tmux(t *testing.T) {
	t.Parallel()
	c, term, _ := newTestCopier(errors.New("no display"), true, map[string]string{"TMUX": "/tmp/tmux-1000/default"})

	if _, err := c.Copy("x"); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if !strings.HasPrefix(term.String(), "\x1bPtmux;") {
		t.Errorf("missing tmux passthrough: %q", term.String())
	}
}

func TestCopy_FileFallback(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCopier(errors.New("no display"), false, nil)
	c.tempDir = t.TempDir()

	res, err := c.Copy("full report text")
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if res.Method != MethodFile {
		t.Fatalf("Method = %s, want file", res.Method)
	}
	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "full report text" {
		t.Errorf("file content = %q", data)
	}
	info, err := os.Stat(res.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %v, want 0600", perm)
	}
}

func TestCopy_LargeTextSkipsOSC52(t *testing.T) {
	t.Parallel()
	c, term, _ := newTestCopier(errors.New("no display"), true, nil)
	c.tempDir = t.TempDir()

	res, err := c.Copy(strings.Repeat("a", osc52LimitBytes+1))
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if res.Method != MethodFile {
		t.Errorf("Method = %s, want file", res.Method)
	}
	if term.Len() != 0 {
		t.Error("oversized OSC52 payload written")
	}
}

func TestCopy_Empty(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCopier(nil, true, nil)
	if _, err := c.Copy(""); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestCopy_TempFileFails(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCopier(errors.New("no display"), false, nil)
	c.tempDir = "/nonexistent/crashwatch-clip"

	if _, err := c.Copy("x"); err == nil {
		t.Error("expected error when no mechanism works")
	}
}
