package generation_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/core"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/crashserver"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/generation"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/report"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/testutil"
)

const (
	helperEnv  = "CRASHWATCH_TEST_HELPER"
	channelEnv = "CRASHWATCH_CHANNEL"
)

// TestMain lets the test binary act as a supervised client when started by
// one of the tests below.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := generation.Dial(ctx, os.Getenv(channelEnv))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 10
	}
	if err := c.Register([]byte("helper/1.0")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 11
	}
	if mode == "crash" {
		path, err := c.RequestDump([]byte("SIGSEGV in helper"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 12
		}
		fmt.Println(path)
	}
	// The connection is left open on purpose: the process dies holding it.
	return 3
}

type stubSources struct{}

func (stubSources) HardwareInfo(context.Context) (*diagnostics.HardwareInfo, error) {
	return &diagnostics.HardwareInfo{Hostname: "e2e", CPUCores: 1}, nil
}

func (stubSources) MemoryInfo(context.Context) (*diagnostics.MemoryInfo, error) {
	return &diagnostics.MemoryInfo{}, nil
}

func (stubSources) ProcessList(context.Context) ([]diagnostics.ProcessRecord, error) {
	return []diagnostics.ProcessRecord{{PID: 1, Name: "init"}}, nil
}

type e2e struct {
	srv       *crashserver.Server
	socket    string
	reportDir string
}

func startCrashServer(t *testing.T) *e2e {
	t.Helper()
	testutil.RequireUnix(t)
	dir := testutil.TempDir(t)
	e := &e2e{socket: testutil.SocketPath(t), reportDir: filepath.Join(dir, "reports")}

	backend := generation.NewServer(
		generation.WithDumpDir(filepath.Join(dir, "dumps")),
		generation.WithDrainTimeout(500*time.Millisecond),
	)
	e.srv = crashserver.New(backend,
		diagnostics.NewCollector(stubSources{}),
		crashserver.WithReporter(report.NewWriter(e.reportDir, 5, false, nil)),
	)
	if err := e.srv.Start(e.socket); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.srv.Stop)
	return e
}

func (e *e2e) runHelper(t *testing.T, mode string) (*exec.Cmd, []byte) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"="+mode, channelEnv+"="+e.socket)
	out, err := cmd.Output()
	exitErr, ok := err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 3 {
		t.Fatalf("helper exited with %v, output %q", err, out)
	}
	return cmd, out
}

func TestEndToEnd_CrashProducesReport(t *testing.T) {
	t.Parallel()
	e := startCrashServer(t)

	cmd, out := e.runHelper(t, "crash")
	pid := cmd.Process.Pid

	testutil.Eventually(t, 5*time.Second, func() bool {
		return e.srv.State() == core.StateClientExited
	}, "server sees the client exit")

	st := e.srv.Status()
	testutil.AssertEqual(t, st.Dumps, 1)
	testutil.AssertEqual(t, st.LastDumpPath+"\n", string(out))
	testutil.AssertFalse(t, e.srv.IsClientAlive(), "client alive after exit")

	env, err := generation.ReadDumpEnvelope(st.LastDumpPath)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, env.PID, pid)
	testutil.AssertEqual(t, string(env.CrashContext), "SIGSEGV in helper")

	r, path, err := report.LoadLatest(e.reportDir)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, path, st.LastReport)
	testutil.AssertEqual(t, r.Client.PID, pid)
	testutil.AssertEqual(t, r.Client.Payload, "helper/1.0")
	testutil.AssertEqual(t, r.DumpPath, st.LastDumpPath)
	testutil.AssertTrue(t, r.Snapshot.Complete(), "snapshot complete")
}

func TestEndToEnd_ExitWithoutDump(t *testing.T) {
	t.Parallel()
	e := startCrashServer(t)

	e.runHelper(t, "exit")

	testutil.Eventually(t, 5*time.Second, func() bool {
		return e.srv.State() == core.StateClientExited
	}, "server sees the client exit")
	testutil.AssertEqual(t, e.srv.Status().Dumps, 0)

	_, _, err := report.LoadLatest(e.reportDir)
	if err != report.ErrNoReports {
		t.Fatalf("LoadLatest() error = %v, want ErrNoReports", err)
	}
}

func TestEndToEnd_NextClientAfterExit(t *testing.T) {
	t.Parallel()
	e := startCrashServer(t)

	e.runHelper(t, "exit")
	testutil.Eventually(t, 5*time.Second, func() bool {
		return e.srv.State() == core.StateClientExited
	}, "first client exit")

	child := testutil.StartSleeper(t)
	testutil.AssertNoError(t, e.srv.SetClient(child.PID()))
	testutil.AssertTrue(t, e.srv.IsClientAlive(), "second client alive")

	child.Kill(t)
	testutil.Eventually(t, 5*time.Second, func() bool {
		return e.srv.State() == core.StateClientExited
	}, "second client exit via watcher")
}
