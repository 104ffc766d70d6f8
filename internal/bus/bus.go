// Package bus implements the in-process publish/subscribe registry
// described in spec.md §4.2 (component C3): a topic-indexed fan-out of
// TraceEvents where a slow or failing subscriber never delays the
// publisher or its peers. Every other component that wants to observe
// the system — the trace log, a Prometheus bridge, an OTel span
// exporter, a CLI tail command — subscribes here rather than being
// wired directly into the Worker/Run.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/rlmd/pkg/models"
)

// RootTopic receives every event published anywhere in the process.
const RootTopic = "runs"

// RunTopic returns the topic name for one run's events.
func RunTopic(runID models.RunId) string { return "run:" + string(runID) }

// WorkerTopic returns the topic name for one worker's events.
func WorkerTopic(spanID models.SpanId) string { return "worker:" + string(spanID) }

// Handle identifies a subscription returned by Subscribe, passed back
// to Unsubscribe.
type Handle struct {
	topic string
	id    uint64
}

// Bus is a topic-indexed subscriber registry. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan models.TraceEvent
	nextID      uint64

	// bufferSize sizes every subscriber's channel. A subscriber that
	// can't keep up has its events dropped (see publishTo), never
	// blocks the publisher.
	bufferSize int

	dropped atomic.Int64
}

// New creates an empty Bus. bufferSize is the per-subscriber channel
// capacity; 0 falls back to a sensible default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[string]map[uint64]chan models.TraceEvent),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new listener on topic and returns a channel of
// events plus a Handle for Unsubscribe. The returned channel is never
// closed by Publish; call Unsubscribe to stop receiving and release
// the channel.
func (b *Bus) Subscribe(topic string) (<-chan models.TraceEvent, Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan models.TraceEvent, b.bufferSize)

	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uint64]chan models.TraceEvent)
	}
	b.subscribers[topic][id] = ch

	return ch, Handle{topic: topic, id: id}
}

// Unsubscribe removes a subscription. Idempotent: unsubscribing twice,
// or an unknown handle, is a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[h.topic]
	if subs == nil {
		return
	}
	if ch, ok := subs[h.id]; ok {
		delete(subs, h.id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.subscribers, h.topic)
	}
}

// Publish fans the event out to every subscriber of topic, best-effort
// and non-blocking. A subscriber whose buffer is full has this event
// silently dropped rather than stalling the publisher or any other
// subscriber (spec.md §4.2).
func (b *Bus) Publish(topic string, ev models.TraceEvent) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	// Copy the channel list under the read lock so we never send while
	// holding it (a subscriber could call Unsubscribe from its own
	// receive loop, which would deadlock against our RLock otherwise
	// only if Unsubscribe also took RLock, but it takes the write lock,
	// so copying avoids holding the lock across channel sends too).
	chans := make([]chan models.TraceEvent, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishAll publishes ev to the root topic, the owning run's topic,
// and the owning worker's topic — the three topics spec.md §4.2
// defines. This is the entry point Worker/Run actors call; they never
// call Publish with an explicit topic themselves.
func (b *Bus) PublishAll(ev models.TraceEvent) {
	b.Publish(RootTopic, ev)
	if ev.RunID != "" {
		b.Publish(RunTopic(ev.RunID), ev)
	}
	if ev.SpanID != "" {
		b.Publish(WorkerTopic(ev.SpanID), ev)
	}
}

// Dropped returns the total number of events dropped across all
// subscribers due to a full buffer, for diagnostics/metrics.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// ToTelemetryRecord projects a TraceEvent into the §6 telemetry shape
// ({event, measurements, metadata, timestamp_us}) for sinks that want
// the vendor-neutral record form (e.g. a Prometheus or OTel bridge)
// instead of the RLM-specific TraceEvent struct.
func ToTelemetryRecord(ev models.TraceEvent) models.TelemetryRecord {
	category := "worker"
	if ev.Depth == 0 {
		category = "root"
	}
	return models.TelemetryRecord{
		Event:       [3]string{"rlm", category, string(ev.Type)},
		Measurements: numericFields(ev.Payload),
		Metadata: map[string]any{
			"run_id":         string(ev.RunID),
			"span_id":        string(ev.SpanID),
			"parent_span_id": string(ev.ParentSpanID),
			"depth":          ev.Depth,
		},
		TimestampUs: ev.TimestampUs,
	}
}

func numericFields(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch v.(type) {
		case int, int32, int64, float32, float64:
			out[k] = v
		}
	}
	return out
}
