// Package tracestore implements the durable companion store for the
// trace log (spec.md §4.3, §6 "Persisted trace store"): an append-only
// record of every TraceEvent, keyed on (run_id, event) and ordered
// within a run by timestamp_us, that survives after the in-memory
// trace log has been reaped by the TTL sweeper.
package tracestore

import (
	"context"
	"time"

	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// Store is the durable trace store contract from spec.md §6. Insert is
// fire-and-forget from the caller's perspective (the tracelog registry
// calls it from a write-behind goroutine and only logs failures); the
// other operations serve archived runs once they've been swept from
// memory.
type Store interface {
	// Insert appends one event. Implementations must tolerate duplicate
	// inserts of the same (run_id, span_id, type, timestamp_us) tuple
	// without erroring, since write-behind delivery is at-least-once.
	Insert(ctx context.Context, runID models.RunId, ev models.TraceEvent) error

	// ReadAll returns every stored event for runID ordered by
	// timestamp_us ascending.
	ReadAll(ctx context.Context, runID models.RunId) ([]models.TraceEvent, error)

	// ListRunIDs returns every distinct RunId with at least one stored
	// event.
	ListRunIDs(ctx context.Context) ([]models.RunId, error)

	// DeleteOlderThan removes every event with timestamp_us before
	// cutoff and returns the number of rows removed, for the TTL
	// sweeper (spec.md §4.10).
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// observeQuery records one query's duration and outcome against an
// optional metrics collector. Called via defer with a pointer to the
// method's named error return, so the status label reflects the
// error actually produced by the time the method returns.
func observeQuery(m *observability.Metrics, operation, driver string, start time.Time, errp *error) {
	status := "ok"
	if errp != nil && *errp != nil {
		status = "error"
	}
	m.RecordTraceStoreQuery(operation, driver, status, time.Since(start).Seconds())
}
