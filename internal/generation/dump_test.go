package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/testutil"
)

func TestContextDumpWriter_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(testutil.TempDir(t), "nested", "1-x.dmp")
	info := core.ClientInfo{PID: 1234, Payload: []byte("svc/3")}

	err := ContextDumpWriter{}.WriteDump(context.Background(), info, path, []byte{0x00, 0x01, 0xfe})
	testutil.AssertNoError(t, err)

	env, err := ReadDumpEnvelope(path)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, env.Version, DumpEnvelopeVersion)
	testutil.AssertEqual(t, env.PID, 1234)
	testutil.AssertEqual(t, string(env.Payload), "svc/3")
	testutil.AssertEqual(t, len(env.CrashContext), 3)
	testutil.AssertFalse(t, env.CapturedAt.IsZero(), "captured_at set")

	st, err := os.Stat(path)
	testutil.AssertNoError(t, err)
	if st.Mode().Perm()&0o077 != 0 {
		t.Fatalf("dump mode = %v, want owner-only", st.Mode().Perm())
	}
}

func TestReadDumpEnvelope_Garbage(t *testing.T) {
	t.Parallel()
	path := testutil.TempFile(t, testutil.TempDir(t), "bad.dmp", "not cbor at all")
	_, err := ReadDumpEnvelope(path)
	testutil.AssertError(t, err)
}

func TestNewCommandDumpWriter(t *testing.T) {
	t.Parallel()
	w, err := NewCommandDumpWriter("gcore -o {path} {pid}", time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, w.Command, "gcore")
	testutil.AssertEqual(t, len(w.Args), 3)

	_, err = NewCommandDumpWriter("   ", 0)
	testutil.AssertError(t, err)
}

func TestCommandDumpWriter_SubstitutesPlaceholders(t *testing.T) {
	t.Parallel()
	testutil.RequireUnix(t)
	path := filepath.Join(testutil.TempDir(t), "core")

	w, err := NewCommandDumpWriter("touch {path}.{pid}", time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, w.WriteDump(context.Background(), core.ClientInfo{PID: 42}, path, nil))

	if _, err := os.Stat(path + ".42"); err != nil {
		t.Fatalf("dump file not created: %v", err)
	}
}

func TestCommandDumpWriter_Failure(t *testing.T) {
	t.Parallel()
	testutil.RequireUnix(t)
	w := &CommandDumpWriter{Command: "sh", Args: []string{"-c", "echo no core >&2; exit 3"}}
	err := w.WriteDump(context.Background(), core.ClientInfo{PID: 1}, "/dev/null", nil)
	testutil.AssertError(t, err)
	testutil.AssertContains(t, err.Error(), "no core")
}

func TestCommandDumpWriter_Timeout(t *testing.T) {
	t.Parallel()
	testutil.RequireUnix(t)
	w := &CommandDumpWriter{Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond}

	start := time.Now()
	err := w.WriteDump(context.Background(), core.ClientInfo{PID: 1}, "/dev/null", nil)
	var de *core.DomainError
	if !errors.As(err, &de) || de.Code != core.CodeTimeout {
		t.Fatalf("WriteDump() error = %v, want timeout", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("dump command was not killed at its timeout")
	}
}
