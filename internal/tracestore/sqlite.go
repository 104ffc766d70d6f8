package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// sqliteSchema is applied once at open time. SQLiteStore does not use
// golang-migrate: the project's only golang-migrate database driver is
// the cgo-based mattn/go-sqlite3, which would pull in a second,
// cgo-requiring SQLite driver alongside the pure-Go modernc.org/sqlite
// this store is built on. A single idempotent CREATE TABLE is enough
// schema management for one table with no planned migrations.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trace_events (
	run_id         TEXT NOT NULL,
	span_id        TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	timestamp_us   INTEGER NOT NULL,
	parent_span_id TEXT NOT NULL DEFAULT '',
	depth          INTEGER NOT NULL DEFAULT 0,
	payload        TEXT,
	PRIMARY KEY (run_id, span_id, event_type, timestamp_us)
);
CREATE INDEX IF NOT EXISTS trace_events_run_id_idx ON trace_events (run_id);
CREATE INDEX IF NOT EXISTS trace_events_timestamp_us_idx ON trace_events (timestamp_us);
`

// SQLiteStore implements Store on top of a local SQLite file (or
// ":memory:") via modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// SetMetrics attaches a Prometheus collector for query duration/count
// instrumentation. Safe to call at most once, before the store is
// shared across goroutines; nil disables instrumentation.
func (s *SQLiteStore) SetMetrics(m *observability.Metrics) { s.metrics = m }

// NewSQLiteStore opens path (use ":memory:" for an ephemeral store,
// e.g. in tests) and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open sqlite: %w", err)
	}
	// SQLite only tolerates one writer at a time; a single connection
	// avoids "database is locked" under our own concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, runID models.RunId, ev models.TraceEvent) (err error) {
	defer observeQuery(s.metrics, "insert", "sqlite", time.Now(), &err)
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("tracestore: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trace_events (run_id, span_id, event_type, timestamp_us, parent_span_id, depth, payload)
		VALUES (?,?,?,?,?,?,?)
	`,
		string(runID),
		string(ev.SpanID),
		string(ev.Type),
		ev.TimestampUs,
		string(ev.ParentSpanID),
		ev.Depth,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("tracestore: insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context, runID models.RunId) (out []models.TraceEvent, err error) {
	defer observeQuery(s.metrics, "read_all", "sqlite", time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, `
		SELECT span_id, event_type, timestamp_us, parent_span_id, depth, payload
		FROM trace_events WHERE run_id = ? ORDER BY timestamp_us ASC
	`, string(runID))
	if err != nil {
		return nil, fmt.Errorf("tracestore: read all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanSQLiteEvent(rows, runID)
		if err != nil {
			return nil, fmt.Errorf("tracestore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListRunIDs(ctx context.Context) (out []models.RunId, err error) {
	defer observeQuery(s.metrics, "list_run_ids", "sqlite", time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM trace_events`)
	if err != nil {
		return nil, fmt.Errorf("tracestore: list run ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tracestore: scan run id: %w", err)
		}
		out = append(out, models.RunId(id))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (n int64, err error) {
	defer observeQuery(s.metrics, "delete_older_than", "sqlite", time.Now(), &err)
	res, err := s.db.ExecContext(ctx, `DELETE FROM trace_events WHERE timestamp_us < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("tracestore: delete older than: %w", err)
	}
	return res.RowsAffected()
}

func scanSQLiteEvent(scanner rowScanner, runID models.RunId) (models.TraceEvent, error) {
	var (
		spanID, eventType, parentSpanID string
		timestampUs                    int64
		depth                          int
		payloadText                    sql.NullString
	)
	if err := scanner.Scan(&spanID, &eventType, &timestampUs, &parentSpanID, &depth, &payloadText); err != nil {
		return models.TraceEvent{}, err
	}
	ev := models.TraceEvent{
		Type:         models.TraceEventType(eventType),
		TimestampUs:  timestampUs,
		RunID:        runID,
		SpanID:       models.SpanId(spanID),
		ParentSpanID: models.SpanId(parentSpanID),
		Depth:        depth,
	}
	if payloadText.Valid && payloadText.String != "" {
		if err := json.Unmarshal([]byte(payloadText.String), &ev.Payload); err != nil {
			return models.TraceEvent{}, err
		}
	}
	return ev, nil
}
