// Package run implements the per-run worker-tree owner (spec.md §4.8,
// component C9): the actor that starts workers, tracks their
// parent/child/depth/status in a table, monitors their lifecycle, and
// implements cascade shutdown and auto-termination.
package run

import (
	"context"
	"time"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/internal/prompt"
	"github.com/haasonsaas/rlmd/internal/worker"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// clockSource is the subset of internal/clock.Clock this package
// depends on (mirrors internal/worker's own local alias so neither
// package needs to import the other's unexported interface type).
type clockSource interface {
	Now() time.Time
	NowMicros() int64
}

// Deps are the process-wide collaborators every Run shares, supplied
// once by the process supervisor (C12) and passed down to every
// worker this Run starts.
type Deps struct {
	LLM         llm.Client
	Interp      interp.Interpreter
	Bus         *bus.Bus
	Clock       clockSource
	NewSpanID   func() models.SpanId
	PromptFiles prompt.Files

	// Metrics is an optional Prometheus collector shared by every
	// worker this Run starts. Nil disables metrics recording without
	// affecting engine behavior.
	Metrics *observability.Metrics

	// Tracer is an optional OTel span emitter shared by every worker
	// this Run starts. Nil disables span emission.
	Tracer *observability.Tracer
}

// StartOpts is what the Public API (C10) passes to start a root
// worker, or a worker passes (via RunHandle.StartChild) to start a
// child.
type StartOpts struct {
	SpanID       models.SpanId
	ParentSpanID models.SpanId
	Depth        int
	Model        string
	KeepAlive    bool
	Context      string
	Query        string

	// WorkDir is the per-session working directory passed to the
	// interpreter adapter (spec.md §6). Empty means the adapter's own
	// default.
	WorkDir string

	// Caller receives the worker's final Result. For a root worker
	// started by the Public API this is the one-shot call's own
	// reply channel; for a child started via spawn_subcall this is the
	// parent worker itself (spec.md §4.7.3/§4.8).
	Caller worker.Recipient
}

// row is one entry of the per-run worker table (spec.md §4.8).
type row struct {
	spanID       models.SpanId
	parentSpanID models.SpanId
	depth        int
	status       models.RunRowStatus
	w            *worker.Worker
	cancel       context.CancelFunc
}

// startWorkerReq is the synchronous Worker→Run (or Public-API→Run)
// call backing both StartRoot and StartChild (spec.md §4.8's
// start_worker(opts)).
type startWorkerReq struct {
	opts  StartOpts
	reply chan startWorkerReply
}

type startWorkerReply struct {
	w   *worker.Worker
	err error
}

// workerDoneMsg is the one-way notice a parent worker sends after it
// has delivered a subcall's result to its blocked caller (spec.md
// §4.7.3: "send a one-way worker_done notification to the Run").
type workerDoneMsg struct {
	spanID models.SpanId
}

// workerExitedMsg is delivered by this run's per-worker monitor
// goroutine once a worker's actor loop has exited, carrying whether it
// was a crash (spec.md §4.8's lifecycle "Monitoring").
type workerExitedMsg struct {
	spanID  models.SpanId
	crashed bool
	reason  string
}

// autoShutdownTick is the 100ms grace-period tick of spec.md §4.8's
// "Auto-shutdown". generation guards against a stale tick firing after
// a fresh start_worker call has already repopulated the table.
type autoShutdownTick struct {
	generation int
}

// shutdownReq is an explicit termination request (from the Public API,
// e.g. on total_timeout).
type shutdownReq struct {
	reply chan struct{}
}
