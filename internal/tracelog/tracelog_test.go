package tracelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// waitFor polls cond until it returns true or the deadline expires, to
// synchronize with the Registry's async consume loop without a sleep.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistryBuildsEventOrderAndTree(t *testing.T) {
	b := bus.New(16)
	reg := New(b)
	defer reg.Close()

	runID := models.RunId("run_1")
	b.PublishAll(models.TraceEvent{
		Type: models.EventNodeStart, RunID: runID, SpanID: "s1", TimestampUs: 100,
		Payload: map[string]any{"model": "claude-opus-4-1-20250805"},
	})
	b.PublishAll(models.TraceEvent{
		Type: models.EventIterationStop, RunID: runID, SpanID: "s1", TimestampUs: 200,
		Payload: map[string]any{"status": "ok"},
	})
	b.PublishAll(models.TraceEvent{
		Type: models.EventNodeStop, RunID: runID, SpanID: "s1", TimestampUs: 5_100_000,
		Payload: map[string]any{"status": "completed", "result_preview": "42"},
	})

	require.EventuallyWithT(t, func(c *require.CollectT) {
		require.Len(c, reg.Events(runID), 3)
	}, time.Second, time.Millisecond, "registry never consumed all 3 published events")

	events := reg.Events(runID)
	require.Equal(t, models.EventNodeStart, events[0].Type, "events not in timestamp order: %+v", events)
	require.Equal(t, models.EventNodeStop, events[2].Type, "events not in timestamp order: %+v", events)

	tree := reg.Tree(runID)
	node, ok := tree["s1"]
	require.True(t, ok, "expected span s1 in tree projection")

	durationMs := int64(5099)
	require.Equal(t, models.TreeNode{
		SpanID:        "s1",
		Model:         "claude-opus-4-1-20250805",
		Status:        "completed",
		Iterations:    []string{"ok"},
		StartedAtUs:   100,
		DurationMs:    &durationMs,
		ResultPreview: "42",
	}, node, "tree node did not match the expected full snapshot")
}

func TestRegistryInsertsOutOfOrderEventsSorted(t *testing.T) {
	b := bus.New(16)
	reg := New(b)
	defer reg.Close()

	runID := models.RunId("run_ooo")
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStop, RunID: runID, SpanID: "s1", TimestampUs: 300})
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStart, RunID: runID, SpanID: "s1", TimestampUs: 100})
	b.PublishAll(models.TraceEvent{Type: models.EventEvalStart, RunID: runID, SpanID: "s1", TimestampUs: 200})

	waitFor(t, func() bool { return len(reg.Events(runID)) == 3 })

	events := reg.Events(runID)
	for i := 1; i < len(events); i++ {
		if events[i].TimestampUs < events[i-1].TimestampUs {
			t.Fatalf("events not sorted by timestamp_us: %+v", events)
		}
	}
}

func TestRegistryUnknownRunReturnsNil(t *testing.T) {
	b := bus.New(16)
	reg := New(b)
	defer reg.Close()

	if events := reg.Events("does_not_exist"); events != nil {
		t.Fatalf("expected nil for unknown run, got %+v", events)
	}
	if tree := reg.Tree("does_not_exist"); tree != nil {
		t.Fatalf("expected nil tree for unknown run, got %+v", tree)
	}
}

func TestRegistryJSONLLinesOneEventPerLine(t *testing.T) {
	b := bus.New(16)
	reg := New(b)
	defer reg.Close()

	runID := models.RunId("run_jsonl")
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStart, RunID: runID, SpanID: "s1", TimestampUs: 1})
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStop, RunID: runID, SpanID: "s1", TimestampUs: 2})

	waitFor(t, func() bool { return len(reg.Events(runID)) == 2 })

	lines, err := reg.JSONLLines(runID)
	if err != nil {
		t.Fatalf("jsonl lines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestRegistrySweepReapsOldRuns(t *testing.T) {
	b := bus.New(16)
	fake := clock.NewFake(time.Unix(0, 0), time.Hour)
	reg := New(b, WithClock(fake))
	defer reg.Close()

	runID := models.RunId("run_old")
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStart, RunID: runID, SpanID: "s1", TimestampUs: 1})
	waitFor(t, func() bool {
		_, ok := reg.StartedAt(runID)
		return ok
	})

	reaped := reg.Sweep(30 * time.Minute)
	found := false
	for _, id := range reaped {
		if id == runID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected run_old to be reaped, got %+v", reaped)
	}
	if events := reg.Events(runID); events != nil {
		t.Fatalf("expected swept run to be gone, got %+v", events)
	}
}

type recordingStore struct {
	mu     sync.Mutex
	events map[models.RunId][]models.TraceEvent
}

func newRecordingStore() *recordingStore {
	return &recordingStore{events: make(map[models.RunId][]models.TraceEvent)}
}

func (s *recordingStore) Insert(ctx context.Context, runID models.RunId, ev models.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], ev)
	return nil
}

func (s *recordingStore) ReadAll(ctx context.Context, runID models.RunId) ([]models.TraceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TraceEvent, len(s.events[runID]))
	copy(out, s.events[runID])
	return out, nil
}

func (s *recordingStore) ListRunIDs(ctx context.Context) ([]models.RunId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RunId, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	return out, nil
}

func (s *recordingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *recordingStore) Close() error { return nil }

func TestRegistryWriteBehindCopiesToStore(t *testing.T) {
	b := bus.New(16)
	store := newRecordingStore()
	reg := New(b, WithStore(store))
	defer reg.Close()

	runID := models.RunId("run_wb")
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStart, RunID: runID, SpanID: "s1", TimestampUs: 1})

	waitFor(t, func() bool {
		got, _ := store.ReadAll(context.Background(), runID)
		return len(got) == 1
	})
}
