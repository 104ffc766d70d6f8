// Package tracelog implements the per-run trace log described in
// spec.md §4.3 (component C4): a lazily-created, append-only event
// buffer ordered by timestamp_us, plus a tree projection keyed by
// span_id. The registry subscribes to the event bus's root topic so it
// never needs to be wired directly into the Worker or Run; every event
// that crosses the bus is captured here and, write-behind, in the
// durable tracestore.Store.
package tracelog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/tracestore"
	"github.com/haasonsaas/rlmd/pkg/models"
)

type perRun struct {
	mu        sync.RWMutex
	events    []models.TraceEvent
	tree      map[models.SpanId]*models.TreeNode
	createdAt time.Time
}

// Registry is the trace-log instance registry: one perRun buffer per
// RunId, created on that run's first observed event.
type Registry struct {
	bus    *bus.Bus
	clk    clock.Clock
	store  tracestore.Store
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[models.RunId]*perRun

	sub    <-chan models.TraceEvent
	handle bus.Handle

	writeBehind chan writeBehindJob
	stopOnce    sync.Once
	done        chan struct{}
}

type writeBehindJob struct {
	runID models.RunId
	event models.TraceEvent
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithStore attaches a durable companion store that receives a
// write-behind copy of every event (spec.md §4.3, §6).
func WithStore(store tracestore.Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithClock overrides the clock used to timestamp when a run's buffer
// was created, for TTL-sweeping tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithLogger overrides the logger used for write-behind failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry subscribed to b's root topic and starts its
// background consume and write-behind loops. Call Close to stop both.
func New(b *bus.Bus, opts ...Option) *Registry {
	r := &Registry{
		bus:         b,
		clk:         clock.Real(),
		logger:      slog.Default(),
		runs:        make(map[models.RunId]*perRun),
		writeBehind: make(chan writeBehindJob, 1024),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.sub, r.handle = b.Subscribe(bus.RootTopic)
	go r.consumeLoop()
	if r.store != nil {
		go r.writeBehindLoop()
	}
	return r
}

func (r *Registry) consumeLoop() {
	for ev := range r.sub {
		r.record(ev)
	}
	close(r.done)
}

func (r *Registry) writeBehindLoop() {
	for job := range r.writeBehind {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.Insert(ctx, job.runID, job.event)
		cancel()
		if err != nil {
			r.logger.Warn("tracelog: write-behind insert failed",
				"run_id", string(job.runID), "event_type", string(job.event.Type), "error", err)
		}
	}
}

func (r *Registry) record(ev models.TraceEvent) {
	if ev.RunID == "" {
		return
	}
	run := r.runFor(ev.RunID)

	run.mu.Lock()
	insertSorted(&run.events, ev)
	applyToTree(run.tree, ev)
	run.mu.Unlock()

	if r.store != nil {
		select {
		case r.writeBehind <- writeBehindJob{runID: ev.RunID, event: ev}:
		default:
			r.logger.Warn("tracelog: write-behind queue full, dropping event",
				"run_id", string(ev.RunID), "event_type", string(ev.Type))
		}
	}
}

func (r *Registry) runFor(runID models.RunId) *perRun {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if ok {
		return run
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok = r.runs[runID]; ok {
		return run
	}
	run = &perRun{
		tree:      make(map[models.SpanId]*models.TreeNode),
		createdAt: r.clk.Now(),
	}
	r.runs[runID] = run
	return run
}

// insertSorted inserts ev into events, keeping the slice ordered by
// TimestampUs. Events usually arrive already close to sorted (each
// sender's messages are delivered in order), so this is a cheap
// tail-append in the common case and falls back to a binary-search
// insert otherwise.
func insertSorted(events *[]models.TraceEvent, ev models.TraceEvent) {
	n := len(*events)
	if n == 0 || (*events)[n-1].TimestampUs <= ev.TimestampUs {
		*events = append(*events, ev)
		return
	}
	idx := sort.Search(n, func(i int) bool { return (*events)[i].TimestampUs > ev.TimestampUs })
	*events = append(*events, models.TraceEvent{})
	copy((*events)[idx+1:], (*events)[idx:])
	(*events)[idx] = ev
}

func applyToTree(tree map[models.SpanId]*models.TreeNode, ev models.TraceEvent) {
	switch ev.Type {
	case models.EventNodeStart:
		node := &models.TreeNode{
			SpanID:       ev.SpanID,
			ParentSpanID: ev.ParentSpanID,
			Depth:        ev.Depth,
			Status:       string(models.WorkerRunning),
			StartedAtUs:  ev.TimestampUs,
		}
		if model, ok := ev.Payload["model"].(string); ok {
			node.Model = model
		}
		tree[ev.SpanID] = node

	case models.EventIterationStop:
		node := tree[ev.SpanID]
		if node == nil {
			return
		}
		if status, ok := ev.Payload["status"].(string); ok {
			node.Iterations = append(node.Iterations, status)
		}

	case models.EventNodeStop:
		node := tree[ev.SpanID]
		if node == nil {
			return
		}
		if status, ok := ev.Payload["status"].(string); ok {
			node.Status = status
		} else {
			node.Status = string(models.WorkerCompleted)
		}
		duration := ev.TimestampUs - node.StartedAtUs
		node.DurationMs = ptrInt64(duration / 1000)
		if preview, ok := ev.Payload["result_preview"].(string); ok {
			node.ResultPreview = preview
		}
	}
}

func ptrInt64(v int64) *int64 { return &v }

// Events returns a snapshot of every event recorded for runID, ordered
// by timestamp_us. Returns nil if no events have been observed for
// runID (it may never have existed, or may already have been swept).
func (r *Registry) Events(runID models.RunId) []models.TraceEvent {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	out := make([]models.TraceEvent, len(run.events))
	copy(out, run.events)
	return out
}

// Tree returns a snapshot of the tree projection for runID.
func (r *Registry) Tree(runID models.RunId) map[models.SpanId]models.TreeNode {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	out := make(map[models.SpanId]models.TreeNode, len(run.tree))
	for k, v := range run.tree {
		out[k] = *v
	}
	return out
}

// JSONLLines returns the events for runID serialized one JSON object
// per line, the format spec.md §4.3 calls for.
func (r *Registry) JSONLLines(runID models.RunId) ([]string, error) {
	events := r.Events(runID)
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		line, err := marshalEvent(ev)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// RunIDs returns every RunId currently buffered in memory, for the TTL
// sweeper's enumeration (spec.md §4.10).
func (r *Registry) RunIDs() []models.RunId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.RunId, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}

// StartedAt returns the monotonic time the run's buffer was first
// created, and whether runID is currently buffered.
func (r *Registry) StartedAt(runID models.RunId) (time.Time, bool) {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.createdAt, true
}

// Sweep removes every in-memory run buffer whose createdAt is older
// than ttl relative to "now" (as reported by the Registry's clock),
// returning the RunIds it reaped. The durable store is not touched
// here; the sweeper (C11) issues its own DeleteOlderThan against the
// store on a wall-clock cutoff.
func (r *Registry) Sweep(ttl time.Duration) []models.RunId {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []models.RunId
	for id, run := range r.runs {
		run.mu.RLock()
		age := now.Sub(run.createdAt)
		run.mu.RUnlock()
		if age >= ttl {
			delete(r.runs, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Close unsubscribes from the bus and stops the write-behind loop.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		r.bus.Unsubscribe(r.handle)
		<-r.done
		close(r.writeBehind)
	})
}
