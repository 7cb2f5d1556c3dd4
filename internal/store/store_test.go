package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/testutil"
)

func openTestStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := Open(filepath.Join(testutil.TempDir(t), "db", "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchemaAndReopens(t *testing.T) {
	t.Parallel()
	path := filepath.Join(testutil.TempDir(t), "events.db")

	s, err := Open(path)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, s.Append(context.Background(), events.NewServerStartedEvent("/tmp/s.sock")))
	testutil.AssertNoError(t, s.Close())

	s, err = Open(path)
	testutil.AssertNoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, 1)
	testutil.AssertEqual(t, s.Path(), path)
}

func TestAppendAndList(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.Append(ctx, events.NewClientRegisteredEvent(10)))
	testutil.AssertNoError(t, s.Append(ctx, events.NewDumpRequestedEvent(10, "/d/10.dmp")))
	testutil.AssertNoError(t, s.Append(ctx, events.NewClientExitedEvent(10, true)))

	recs, err := s.List(ctx, ListOptions{})
	testutil.AssertNoError(t, err)
	if len(recs) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(recs))
	}
	testutil.AssertEqual(t, recs[0].Type, events.TypeClientRegistered)
	testutil.AssertEqual(t, recs[2].Type, events.TypeClientExited)
	testutil.AssertEqual(t, recs[1].PID, 10)
	testutil.AssertFalse(t, recs[0].OccurredAt.IsZero(), "occurred_at set")

	var dump events.DumpRequestedEvent
	testutil.AssertNoError(t, json.Unmarshal(recs[1].Data, &dump))
	testutil.AssertEqual(t, dump.DumpPath, "/d/10.dmp")
}

func TestList_FiltersAndLimit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for pid := 1; pid <= 5; pid++ {
		testutil.AssertNoError(t, s.Append(ctx, events.NewClientRegisteredEvent(pid)))
		testutil.AssertNoError(t, s.Append(ctx, events.NewClientExitedEvent(pid, false)))
	}

	recs, err := s.List(ctx, ListOptions{Limit: 3})
	testutil.AssertNoError(t, err)
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	// The newest three, oldest first.
	testutil.AssertEqual(t, recs[0].Type, events.TypeClientExited)
	testutil.AssertEqual(t, recs[0].PID, 4)
	testutil.AssertEqual(t, recs[2].PID, 5)

	recs, err = s.List(ctx, ListOptions{Type: events.TypeClientExited})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(recs), 5)

	recs, err = s.List(ctx, ListOptions{PID: 2})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(recs), 2)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		testutil.AssertNoError(t, s.Append(ctx, events.NewClientRegisteredEvent(i+1)))
	}

	removed, err := s.Prune(ctx, 2)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, removed, int64(4))

	recs, err := s.List(ctx, ListOptions{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(recs), 2)
	testutil.AssertEqual(t, recs[0].PID, 5)
}

func TestRecord_PersistsBusEvents(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	bus := events.New(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := s.Record(ctx, bus)

	bus.Publish(events.NewServerStartedEvent("/tmp/x.sock"))
	bus.Publish(events.NewClientRegisteredEvent(12))
	bus.Publish(events.NewServerStoppedEvent(0))
	testutil.Eventually(t, 2*time.Second, func() bool {
		n, _ := s.Count(context.Background())
		return n == 3
	}, "all events recorded")

	recs, err := s.List(context.Background(), ListOptions{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, recs[0].Type, events.TypeServerStarted)
	testutil.AssertEqual(t, recs[1].PID, 12)
	testutil.AssertEqual(t, recs[2].Type, events.TypeServerStopped)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not return after cancel")
	}
}

func TestRecord_ReturnsWhenBusCloses(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	bus := events.New(4)

	done := s.Record(context.Background(), bus)
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not return after bus close")
	}
}
