package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// SQLiteStore persists events to SQLite.
// It is suitable for single-process deployments that want the log to
// outlive the process. Payloads are stored as JSON and read back as generic
// JSON values; use event.PayloadAs to recover typed payloads.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payload BLOB,
			metadata TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

const insertEvent = `
	INSERT INTO events (event_id, event_type, aggregate_id, aggregate_type, ts, payload, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, evt event.DomainEvent) error {
	meta, err := json.Marshal(evt.Metadata())
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	payload, err := evt.PayloadJSON()
	if err != nil {
		return fmt.Errorf("%w: payload of %s: %v", ErrInvalidEvent, evt.ID(), err)
	}

	_, err = db.ExecContext(ctx, insertEvent,
		evt.ID(),
		string(evt.Kind()),
		evt.AggregateID(),
		evt.AggregateType(),
		evt.Timestamp().UnixNano(),
		payload,
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", evt.ID(), err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, evt event.DomainEvent) error {
	if err := validate(evt); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return insert(ctx, s.db, evt)
}

// AppendBatch implements Store. The batch is written in one transaction.
func (s *SQLiteStore) AppendBatch(ctx context.Context, evts []event.DomainEvent) error {
	for _, evt := range evts {
		if err := validate(evt); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, evt := range evts {
		if err := insert(ctx, tx, evt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Events implements Store.
func (s *SQLiteStore) Events(ctx context.Context, c Criteria) ([]event.DomainEvent, error) {
	var (
		where []string
		args  []any
	)
	if c.Kind != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(c.Kind))
	}
	if c.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, c.AggregateID)
	}
	if c.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, c.AggregateType)
	}
	if c.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, c.Since.UnixNano())
	}
	if c.Until != nil {
		where = append(where, "ts <= ?")
		args = append(args, c.Until.UnixNano())
	}

	var q strings.Builder
	q.WriteString("SELECT event_id, event_type, aggregate_id, aggregate_type, ts, payload, metadata FROM events")
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	if c.Order == OrderAsc {
		q.WriteString(" ORDER BY ts ASC, seq ASC")
	} else {
		q.WriteString(" ORDER BY ts DESC, seq ASC")
	}

	// SQLite only accepts OFFSET together with LIMIT; -1 means no limit.
	if c.Limit > 0 || c.Offset > 0 {
		limit := c.Limit
		if limit <= 0 {
			limit = -1
		}
		q.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, max(c.Offset, 0))
	}

	return s.query(ctx, q.String(), args...)
}

// ByAggregate implements Store.
func (s *SQLiteStore) ByAggregate(ctx context.Context, aggregateID string) ([]event.DomainEvent, error) {
	return s.query(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type, ts, payload, metadata
		FROM events
		WHERE aggregate_id = ?
		ORDER BY ts ASC, seq ASC
	`, aggregateID)
}

// Since implements Store.
func (s *SQLiteStore) Since(ctx context.Context, t time.Time) ([]event.DomainEvent, error) {
	return s.query(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type, ts, payload, metadata
		FROM events
		WHERE ts >= ?
		ORDER BY ts ASC, seq ASC
	`, t.UnixNano())
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]event.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	evts := make([]event.DomainEvent, 0)
	for rows.Next() {
		var (
			id, kind, aggID, aggType, metaJSON string
			ts                                 int64
			payloadJSON                        []byte
		)
		if err := rows.Scan(&id, &kind, &aggID, &aggType, &ts, &payloadJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		var meta event.Metadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
		}

		var payload any
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", id, err)
			}
		}

		evts = append(evts, event.New(event.Kind(kind), aggType, aggID, payload,
			event.WithEventID(id),
			event.WithTimestamp(time.Unix(0, ts)),
			event.WithVersion(meta.Version),
			event.WithSource(meta.Source),
			event.WithCorrelationID(meta.CorrelationID),
			event.WithCausationID(meta.CausationID),
			event.WithEmission(event.EmissionContext{ContextID: meta.ContextID, ActorID: meta.ActorID}),
		))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evts, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
