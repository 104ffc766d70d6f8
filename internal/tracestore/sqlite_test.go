package tracestore

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/rlmd/pkg/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreInsertAndReadAllOrdersByTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := models.RunId("run_abc")

	later := models.TraceEvent{Type: models.EventNodeStop, RunID: runID, SpanID: "span_1", TimestampUs: 200}
	earlier := models.TraceEvent{Type: models.EventNodeStart, RunID: runID, SpanID: "span_1", TimestampUs: 100}

	if err := s.Insert(ctx, runID, later); err != nil {
		t.Fatalf("insert later: %v", err)
	}
	if err := s.Insert(ctx, runID, earlier); err != nil {
		t.Fatalf("insert earlier: %v", err)
	}

	got, err := s.ReadAll(ctx, runID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != models.EventNodeStart || got[1].Type != models.EventNodeStop {
		t.Fatalf("events not ordered by timestamp_us: %+v", got)
	}
}

func TestSQLiteStoreInsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := models.RunId("run_dup")
	ev := models.TraceEvent{Type: models.EventEvalStart, RunID: runID, SpanID: "span_1", TimestampUs: 50}

	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, runID, ev); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := s.ReadAll(ctx, runID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected insert to be idempotent, got %d rows", len(got))
	}
}

func TestSQLiteStoreListRunIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Insert(ctx, "run_a", models.TraceEvent{Type: models.EventNodeStart, RunID: "run_a", SpanID: "s1", TimestampUs: 1})
	_ = s.Insert(ctx, "run_b", models.TraceEvent{Type: models.EventNodeStart, RunID: "run_b", SpanID: "s2", TimestampUs: 2})

	ids, err := s.ListRunIDs(ctx)
	if err != nil {
		t.Fatalf("list run ids: %v", err)
	}
	seen := map[models.RunId]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["run_a"] || !seen["run_b"] {
		t.Fatalf("expected both run ids, got %v", ids)
	}
}

func TestSQLiteStoreDeleteOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := models.RunId("run_sweep")

	old := time.UnixMicro(1000)
	recent := time.UnixMicro(1_000_000_000)

	_ = s.Insert(ctx, runID, models.TraceEvent{Type: models.EventNodeStart, RunID: runID, SpanID: "s1", TimestampUs: old.UnixMicro()})
	_ = s.Insert(ctx, runID, models.TraceEvent{Type: models.EventNodeStop, RunID: runID, SpanID: "s1", TimestampUs: recent.UnixMicro()})

	cutoff := time.UnixMicro(500_000_000)
	n, err := s.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete older than: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}

	remaining, err := s.ReadAll(ctx, runID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Type != models.EventNodeStop {
		t.Fatalf("expected only the recent event to remain, got %+v", remaining)
	}
}

func TestSQLiteStorePreservesPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := models.RunId("run_payload")

	ev := models.TraceEvent{
		Type:        models.EventLLMRequestStop,
		RunID:       runID,
		SpanID:      "s1",
		TimestampUs: 10,
		Payload:     map[string]any{"prompt_tokens": float64(12)},
	}
	if err := s.Insert(ctx, runID, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.ReadAll(ctx, runID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Payload["prompt_tokens"] != float64(12) {
		t.Fatalf("payload not preserved: %+v", got[0].Payload)
	}
}
