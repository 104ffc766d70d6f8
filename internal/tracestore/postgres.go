package tracestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds connection pool tuning for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns production-sane pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on top of Postgres (or CockroachDB's
// Postgres wire protocol) via lib/pq, with schema managed by
// golang-migrate from the embedded migrations directory.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// SetMetrics attaches a Prometheus collector for query duration/count
// instrumentation. Safe to call at most once, before the store is
// shared across goroutines; nil disables instrumentation.
func (s *PostgresStore) SetMetrics(m *observability.Metrics) { s.metrics = m }

// NewPostgresStore opens dsn, runs pending migrations, and returns a
// ready Store.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("tracestore: dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: ping database: %w", err)
	}

	if err := runMigrations(db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB, dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("tracestore: load embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("tracestore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("tracestore: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("tracestore: run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, runID models.RunId, ev models.TraceEvent) (err error) {
	defer observeQuery(s.metrics, "insert", "postgres", time.Now(), &err)
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("tracestore: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trace_events (run_id, span_id, event_type, timestamp_us, parent_span_id, depth, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id, span_id, event_type, timestamp_us) DO NOTHING
	`,
		string(runID),
		string(ev.SpanID),
		string(ev.Type),
		ev.TimestampUs,
		string(ev.ParentSpanID),
		ev.Depth,
		payload,
	)
	if err != nil {
		return fmt.Errorf("tracestore: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, runID models.RunId) (out []models.TraceEvent, err error) {
	defer observeQuery(s.metrics, "read_all", "postgres", time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, `
		SELECT span_id, event_type, timestamp_us, parent_span_id, depth, payload
		FROM trace_events WHERE run_id = $1 ORDER BY timestamp_us ASC
	`, string(runID))
	if err != nil {
		return nil, fmt.Errorf("tracestore: read all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows, runID)
		if err != nil {
			return nil, fmt.Errorf("tracestore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunIDs(ctx context.Context) (out []models.RunId, err error) {
	defer observeQuery(s.metrics, "list_run_ids", "postgres", time.Now(), &err)
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

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (n int64, err error) {
	defer observeQuery(s.metrics, "delete_older_than", "postgres", time.Now(), &err)
	res, err := s.db.ExecContext(ctx, `DELETE FROM trace_events WHERE timestamp_us < $1`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("tracestore: delete older than: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner, runID models.RunId) (models.TraceEvent, error) {
	var (
		spanID, eventType, parentSpanID string
		timestampUs                    int64
		depth                          int
		payloadBytes                   []byte
	)
	if err := scanner.Scan(&spanID, &eventType, &timestampUs, &parentSpanID, &depth, &payloadBytes); err != nil {
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
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &ev.Payload); err != nil {
			return models.TraceEvent{}, err
		}
	}
	return ev, nil
}
