package models

// TraceEventType discriminates the type-specific payload of a
// TraceEvent (spec.md §3). Each event name is one constant of this
// type; internal/tracelog switches on these values.
type TraceEventType string

const (
	EventNodeStart          TraceEventType = "node_start"
	EventNodeStop           TraceEventType = "node_stop"
	EventIterationStart     TraceEventType = "iteration_start"
	EventIterationStop      TraceEventType = "iteration_stop"
	EventLLMRequestStart    TraceEventType = "llm_request_start"
	EventLLMRequestStop     TraceEventType = "llm_request_stop"
	EventLLMRequestError    TraceEventType = "llm_request_exception"
	EventEvalStart          TraceEventType = "eval_start"
	EventEvalStop           TraceEventType = "eval_stop"
	EventEvalError          TraceEventType = "eval_exception"
	EventSubcallSpawn       TraceEventType = "subcall_spawn"
	EventSubcallResult      TraceEventType = "subcall_result"
	EventDirectQueryStart   TraceEventType = "direct_query_start"
	EventDirectQueryStop    TraceEventType = "direct_query_stop"
	EventCompactionRun      TraceEventType = "compaction_run"
	EventTurnComplete       TraceEventType = "turn_complete"
)

// TraceEvent is the unified record produced by the Worker (C8) and Run
// coordinator (C9), consumed by the event bus (C3) and trace log (C4).
// Exactly the fields spec.md §3 names are present; type-specific detail
// lives in Payload as a plain map so new event kinds never require a
// TraceEvent schema migration.
type TraceEvent struct {
	Type         TraceEventType `json:"type"`
	TimestampUs  int64          `json:"timestamp_us"`
	RunID        RunId          `json:"run_id"`
	SpanID       SpanId         `json:"span_id"`
	ParentSpanID SpanId         `json:"parent_span_id,omitempty"`
	Depth        int            `json:"depth"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// TreeNode is one row of the trace log's tree projection (§4.3).
type TreeNode struct {
	SpanID         SpanId   `json:"span_id"`
	ParentSpanID   SpanId   `json:"parent_span_id,omitempty"`
	Depth          int      `json:"depth"`
	Model          string   `json:"model"`
	Status         string   `json:"status"`
	Iterations     []string `json:"iterations,omitempty"`
	StartedAtUs    int64    `json:"started_at_us"`
	DurationMs     *int64   `json:"duration_ms,omitempty"`
	ResultPreview  string   `json:"result_preview,omitempty"`
}

// TelemetryRecord is the shape published on the bus topics described in
// spec.md §6: {event, measurements, metadata, timestamp_us}.
type TelemetryRecord struct {
	Event        [3]string      `json:"event"` // [domain, category, phase]
	Measurements map[string]any `json:"measurements,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TimestampUs  int64          `json:"timestamp_us"`
}
