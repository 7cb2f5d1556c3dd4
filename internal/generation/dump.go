package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/fsutil"
)

// DumpWriter fills the dump file allocated for a crashing client. It runs
// on the connection's goroutine while the client waits for the response.
type DumpWriter interface {
	WriteDump(ctx context.Context, info core.ClientInfo, path string, crashContext []byte) error
}

// DumpEnvelopeVersion is the current envelope format.
const DumpEnvelopeVersion = 1

// DumpEnvelope is what ContextDumpWriter stores: the client's own account of
// the crash plus where and when it was captured.
type DumpEnvelope struct {
	Version      int       `cbor:"version"`
	PID          int       `cbor:"pid"`
	Payload      []byte    `cbor:"payload,omitempty"`
	CrashContext []byte    `cbor:"crash_context,omitempty"`
	CapturedAt   time.Time `cbor:"captured_at"`
	Hostname     string    `cbor:"hostname,omitempty"`
	GOOS         string    `cbor:"goos"`
	GOARCH       string    `cbor:"goarch"`
}

// ContextDumpWriter writes the crash context the client sent as a CBOR
// envelope.
type ContextDumpWriter struct{}

// WriteDump implements DumpWriter.
func (ContextDumpWriter) WriteDump(_ context.Context, info core.ClientInfo, path string, crashContext []byte) error {
	host, _ := os.Hostname()
	env := DumpEnvelope{
		Version:      DumpEnvelopeVersion,
		PID:          info.PID,
		Payload:      info.Payload,
		CrashContext: crashContext,
		CapturedAt:   time.Now().UTC(),
		Hostname:     host,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
	}
	data, err := marshal(env)
	if err != nil {
		return fmt.Errorf("encoding dump envelope: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// ReadDumpEnvelope decodes a dump written by ContextDumpWriter.
func ReadDumpEnvelope(path string) (*DumpEnvelope, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	var env DumpEnvelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding dump envelope: %w", err)
	}
	return &env, nil
}

// DefaultDumpCommandTimeout bounds a CommandDumpWriter without a timeout.
const DefaultDumpCommandTimeout = 30 * time.Second

// CommandDumpWriter captures the dump with an external tool such as gcore.
// The placeholders {pid} and {path} in Args are replaced before running.
type CommandDumpWriter struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewCommandDumpWriter parses a command line like "gcore -o {path} {pid}".
func NewCommandDumpWriter(commandLine string, timeout time.Duration) (*CommandDumpWriter, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("dump command is empty")
	}
	return &CommandDumpWriter{Command: fields[0], Args: fields[1:], Timeout: timeout}, nil
}

// WriteDump implements DumpWriter.
func (w *CommandDumpWriter) WriteDump(ctx context.Context, info core.ClientInfo, path string, _ []byte) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultDumpCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replacer := strings.NewReplacer("{pid}", strconv.Itoa(info.PID), "{path}", path)
	args := make([]string, len(w.Args))
	for i, a := range w.Args {
		args[i] = replacer.Replace(a)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.Command, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return core.ErrTimeout("dump command timed out").WithDetail("command", w.Command)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("dump command %s: %w: %s", w.Command, err, msg)
		}
		return fmt.Errorf("dump command %s: %w", w.Command, err)
	}
	return nil
}
