package sweeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/sweeper"
	"github.com/haasonsaas/rlmd/internal/tracelog"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// fakeStore is a minimal tracestore.Store test double recording
// DeleteOlderThan calls.
type fakeStore struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	deleteN  int64
	deleteErr error
}

func (f *fakeStore) Insert(ctx context.Context, runID models.RunId, ev models.TraceEvent) error {
	return nil
}

func (f *fakeStore) ReadAll(ctx context.Context, runID models.RunId) ([]models.TraceEvent, error) {
	return nil, nil
}

func (f *fakeStore) ListRunIDs(ctx context.Context) ([]models.RunId, error) {
	return nil, nil
}

func (f *fakeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleteN, f.deleteErr
}

func (f *fakeStore) Close() error { return nil }

func TestNewRejectsNonPositiveIntervalByFallingBackToDefault(t *testing.T) {
	b := bus.New(8)
	registry := tracelog.New(b)
	s, err := sweeper.New(registry, nil, sweeper.Config{}, clock.Real(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s == nil {
		t.Fatal("expected a non-nil sweeper with defaulted config")
	}
}

func TestRunOnceSweepsRegistryAndStore(t *testing.T) {
	b := bus.New(8)
	fake := clock.NewFake(time.Unix(0, 0), time.Second)
	registry := tracelog.New(b)

	// Force a run buffer to exist by publishing one event.
	b.PublishAll(models.TraceEvent{Type: models.EventNodeStart, RunID: "run_1", SpanID: "s1"})
	time.Sleep(20 * time.Millisecond) // let the registry's consume loop record it

	store := &fakeStore{deleteN: 3}
	s, err := sweeper.New(registry, store, sweeper.Config{Interval: time.Minute, TTL: time.Nanosecond}, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.RunOnce(context.Background())

	store.mu.Lock()
	calls := len(store.cutoffs)
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one DeleteOlderThan call, got %d", calls)
	}

	if ids := registry.RunIDs(); len(ids) != 0 {
		t.Fatalf("expected the swept run to be gone from the registry, got %v", ids)
	}
}

func TestStartAndStopTerminatesLoop(t *testing.T) {
	b := bus.New(8)
	registry := tracelog.New(b)
	s, err := sweeper.New(registry, nil, sweeper.Config{Interval: time.Hour, TTL: time.Hour}, clock.Real(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()
}
