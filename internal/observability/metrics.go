package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized interface for collecting engine metrics. It
// tracks seven concerns: LLM request performance, eval (interpreter)
// latency, subcall fan-out, active workers, run outcomes, the trace
// store's own query cost, and TTL sweeper evictions.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... chat call ...
//	metrics.RecordLLMRequest(provider, model, "success", time.Since(start).Seconds(), prompt, completion)
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|bedrock), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and outcome.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model, and kind.
	// Labels: provider, model, kind (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// EvalDuration measures interpreter eval call latency in seconds.
	EvalDuration prometheus.Histogram

	// EvalCounter counts eval outcomes.
	// Labels: status (ok|error|crash)
	EvalCounter *prometheus.CounterVec

	// SubcallCounter counts spawn_subcall attempts by outcome.
	// Labels: outcome (spawned|depth_exceeded|concurrency_exceeded|failed)
	SubcallCounter *prometheus.CounterVec

	// ActiveWorkers is a gauge of currently-running workers by depth.
	// Labels: depth
	ActiveWorkers *prometheus.GaugeVec

	// RunDuration measures a root run's end-to-end latency in seconds.
	RunDuration prometheus.Histogram

	// RunCounter counts run outcomes.
	// Labels: status (ok|failed)
	RunCounter *prometheus.CounterVec

	// TraceStoreQueryDuration measures durable trace-store query latency.
	// Labels: operation (insert|read_all|list_run_ids|delete_older_than), driver
	TraceStoreQueryDuration *prometheus.HistogramVec

	// TraceStoreQueryCounter counts durable trace-store queries.
	// Labels: operation, driver, status (ok|error)
	TraceStoreQueryCounter *prometheus.CounterVec

	// SweeperEvictions counts in-memory runs and durable-store rows the
	// TTL sweeper has reaped.
	SweeperEvictions prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlm_llm_request_duration_seconds",
				Help:    "Duration of LLM chat requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_llm_requests_total",
				Help: "Total number of LLM chat requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and kind",
			},
			[]string{"provider", "model", "kind"},
		),
		EvalDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rlm_eval_duration_seconds",
				Help:    "Duration of interpreter eval calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		EvalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_eval_total",
				Help: "Total number of eval calls by outcome",
			},
			[]string{"status"},
		),
		SubcallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_subcall_total",
				Help: "Total number of spawn_subcall attempts by outcome",
			},
			[]string{"outcome"},
		),
		ActiveWorkers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rlm_active_workers",
				Help: "Current number of running workers by depth",
			},
			[]string{"depth"},
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rlm_run_duration_seconds",
				Help:    "Duration of a root run end to end, in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		RunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_runs_total",
				Help: "Total number of completed runs by status",
			},
			[]string{"status"},
		),
		TraceStoreQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlm_tracestore_query_duration_seconds",
				Help:    "Duration of durable trace-store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "driver"},
		),
		TraceStoreQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_tracestore_queries_total",
				Help: "Total number of durable trace-store queries by operation and status",
			},
			[]string{"operation", "driver", "status"},
		),
		SweeperEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rlm_sweeper_evictions_total",
				Help: "Total number of runs reaped by the TTL sweeper",
			},
		),
	}
}

// RecordLLMRequest records metrics for an LLM chat request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordEval records metrics for a single interpreter eval call.
func (m *Metrics) RecordEval(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EvalCounter.WithLabelValues(status).Inc()
	m.EvalDuration.Observe(durationSeconds)
}

// RecordSubcall records a spawn_subcall attempt outcome.
func (m *Metrics) RecordSubcall(outcome string) {
	if m == nil {
		return
	}
	m.SubcallCounter.WithLabelValues(outcome).Inc()
}

// WorkerStarted increments the active-workers gauge for depth.
func (m *Metrics) WorkerStarted(depth string) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(depth).Inc()
}

// WorkerStopped decrements the active-workers gauge for depth.
func (m *Metrics) WorkerStopped(depth string) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(depth).Dec()
}

// RecordRun records a completed root run.
func (m *Metrics) RecordRun(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(status).Inc()
	m.RunDuration.Observe(durationSeconds)
}

// RecordTraceStoreQuery records a durable trace-store query.
func (m *Metrics) RecordTraceStoreQuery(operation, driver, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TraceStoreQueryCounter.WithLabelValues(operation, driver, status).Inc()
	m.TraceStoreQueryDuration.WithLabelValues(operation, driver).Observe(durationSeconds)
}

// RecordSweeperEviction records a single eviction (one in-memory run or
// one durable-store row) by the TTL sweeper.
func (m *Metrics) RecordSweeperEviction() {
	if m == nil {
		return
	}
	m.SweeperEvictions.Inc()
}
