package testutil_test

import (
	"os"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/testutil"
)

func TestSocketPath_FitsSunPath(t *testing.T) {
	p := testutil.SocketPath(t)
	if len(p) >= 104 {
		t.Fatalf("socket path too long (%d): %s", len(p), p)
	}
}

func TestTempFile(t *testing.T) {
	dir := testutil.TempDir(t)
	path := testutil.TempFile(t, dir, "a.txt", "hello")
	data, err := os.ReadFile(path)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "hello")
}

func TestStartSleeper_KillReaps(t *testing.T) {
	c := testutil.StartSleeper(t)
	if c.PID() <= 0 {
		t.Fatalf("PID() = %d", c.PID())
	}
	testutil.AssertFalse(t, c.Exited(), "sleeper exited early")
	c.Kill(t)
	testutil.AssertTrue(t, c.Exited(), "sleeper not reaped")
}

func TestEventually(t *testing.T) {
	start := time.Now()
	testutil.Eventually(t, time.Second, func() bool {
		return time.Since(start) > 30*time.Millisecond
	}, "clock advances")
}
