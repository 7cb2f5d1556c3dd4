// Package store persists crash server lifecycle events in SQLite so the
// history outlives the server process.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/events"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// DefaultPath is where the event database lives unless configured.
const DefaultPath = ".crashwatch/events.db"

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// Record is one stored event.
type Record struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	PID        int             `json:"pid,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// ListOptions filters List.
type ListOptions struct {
	Limit int
	Type  string
	PID   int
}

// EventStore is an SQLite-backed event history.
type EventStore struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *EventStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, opts ...Option) (*EventStore, error) {
	s := &EventStore{
		path:   path,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	// WAL lets readers such as the CLI query while the server writes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file.
func (s *EventStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *EventStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *EventStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Append stores ev.
func (s *EventStore) Append(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (type, pid, occurred_at, data) VALUES (?, ?, ?, ?)",
		ev.EventType(), ev.ClientPID(), ev.Timestamp().UTC().UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// List returns the most recent matching events, oldest first.
func (s *EventStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var where []string
	var args []any
	if opts.Type != "" {
		where = append(where, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.PID > 0 {
		where = append(where, "pid = ?")
		args = append(args, opts.PID)
	}
	query := "SELECT id, type, pid, occurred_at, data FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r    Record
			nano int64
			data string
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.PID, &nano, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		r.OccurredAt = time.Unix(0, nano).UTC()
		r.Data = json.RawMessage(data)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Count returns the number of stored events.
func (s *EventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep events and returns how many were
// removed.
func (s *EventStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)", keep)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}

// Record appends every event published on bus until ctx is done or the bus
// closes. The subscription is in place when Record returns; the returned
// channel closes once recording has stopped. Events already queued when ctx
// ends are still written.
func (s *EventStore) Record(ctx context.Context, bus *events.EventBus) <-chan struct{} {
	ch := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer bus.Unsubscribe(ch)
		s.drain(ctx, ch)
	}()
	return done
}

func (s *EventStore) drain(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *EventStore) write(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Append(ctx, ev); err != nil {
		s.logger.Warn("failed to record event", "type", ev.EventType(), "error", err)
	}
}
