// Package worker implements the reentrant iterate-loop state machine
// described in spec.md §4.7 (component C8): the central actor that
// drives one LLM node, owning its conversation history, bindings, and
// pending sub-query table. It is the piece that makes the whole engine
// re-entrant — evaluated code calls back into its own owning worker
// synchronously while the worker's handler has already returned, which
// is why eval always runs on its own goroutine rather than inline.
package worker

import (
	"context"
	"time"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/internal/prompt"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// Recipient is anything that can receive a one-way message: another
// Worker's mailbox, or an adapter wrapping a reply channel. Run →
// Worker and Worker → Worker messages are always delivered through
// this interface, never by a synchronous call (spec.md §5's
// reentrancy contract).
type Recipient interface {
	Deliver(msg any)
}

// RunHandle is the one synchronous call surface a Worker is allowed to
// use (spec.md §5: "a Worker may make synchronous calls only to the
// Run ... and to stateless helpers"). The Run implementation of this
// interface never calls back into the requesting Worker while
// handling these, so it can never deadlock against that Worker's own
// mailbox.
type RunHandle interface {
	// StartChild starts a new child worker under the same run and
	// returns a Recipient for its mailbox (backs spawn_subcall,
	// spec.md §4.7.3/§4.8).
	StartChild(ctx context.Context, opts ChildOpts) (Recipient, error)

	// WorkerDone is a one-way notice that a subcall's result has been
	// delivered to its blocked caller, matching the
	// "send a one-way worker_done notification to the Run" step of
	// spec.md §4.7.3.
	WorkerDone(spanID models.SpanId)
}

// ChildOpts carries the parameters of a spawn_subcall child start
// (spec.md §4.7.3: "context = text, query = text, depth = own_depth +
// 1, parent_span_id = own_span_id, model = configured model for
// size").
type ChildOpts struct {
	SpanID       models.SpanId
	Context      string
	Query        string
	Depth        int
	ParentSpanID models.SpanId
	Model        string
	WorkDir      string
	Caller       Recipient
}

// Deps are the stateless collaborators a Worker calls synchronously:
// the LLM adapter, the interpreter adapter, the event bus, and the
// clock. None of these ever call back into the Worker, so synchronous
// calls into them never risk the deadlock the Run→Worker direction
// must avoid.
type Deps struct {
	LLM    llm.Client
	Interp interp.Interpreter
	Bus    *bus.Bus
	Clock  clockSource

	// NewSpanID mints a fresh span/query id. Injected (rather than
	// calling internal/clock directly) so tests can supply deterministic
	// ids without this package depending on crypto/rand.
	NewSpanID func() models.SpanId

	// Metrics records Prometheus counters/histograms for this worker's
	// LLM calls, evals, and subcall fan-out. Nil is safe: every Metrics
	// method is a no-op on a nil receiver, so workers run identically
	// whether or not a process wired metrics collection in.
	Metrics *observability.Metrics

	// Tracer emits one OTel span per node lifetime/iteration/eval. Nil
	// is safe: Tracer.Start on a nil receiver returns the incoming
	// context's existing (possibly no-op) span unchanged.
	Tracer *observability.Tracer
}

// clockSource is the subset of internal/clock.Clock the worker uses;
// declared locally so this package does not need to import the clock
// package's concrete Fake/Real types in its public surface.
type clockSource interface {
	Now() time.Time
	NowMicros() int64
}

// Options configures a single Worker at construction time.
type Options struct {
	SpanID       models.SpanId
	RunID        models.RunId
	ParentSpanID models.SpanId
	Depth        int
	Model        string
	KeepAlive    bool
	Config       *models.Config
	PromptFiles  prompt.Files

	// WorkDir is the per-session working directory passed to the
	// interpreter adapter (spec.md §6: "A working directory for the
	// interpreter adapter may be passed per-session"). Empty means the
	// adapter uses its own default.
	WorkDir string

	// Caller receives the final {rlm_result} when this worker completes
	// one-shot (spec.md §4.7.4). Unused for keep-alive workers, whose
	// per-turn reply goes out through SendMessage's own reply channel
	// instead.
	Caller Recipient

	InitialContext string
	InitialQuery   string

	Deps Deps
	Run  RunHandle
}

// Result is the {ok, answer} | {error, reason} shape delivered to a
// one-shot Caller on completion (spec.md §4.7.4, §4.9). A parent
// worker's Caller is itself — so a child's Result is what arrives in
// the parent's mailbox as "the child's {rlm_result, child_span_id,
// result}" (spec.md §4.7.3); the parent looks SpanID up in its
// pendingSubcalls table to tell a subcall completion from its own.
type Result struct {
	SpanID models.SpanId
	OK     bool
	Answer any
	Reason string
}

// ChildCrashed is delivered by the Run to a parent worker's mailbox
// when one of its spawned children exits abnormally (spec.md §4.8
// "Notify the immediate parent worker ... by one-way
// {child_crashed, ...}").
type ChildCrashed struct {
	ChildSpanID models.SpanId
	Reason      string
}

// SendMessage is the keep-alive send_message(session_id, text,
// timeout) request (spec.md §4.9). Reply is sent exactly once.
type SendMessage struct {
	Text  string
	Reply chan SendReply
}

// SendReply is the {ok, answer} | {error, reason} response to a
// SendMessage.
type SendReply struct {
	OK     bool
	Answer any
	Reason string
}

// HistoryQuery is the read-only history(session_id) query (spec.md
// §4.9).
type HistoryQuery struct {
	Reply chan []models.Message
}

// Status is the read-only record status(session_id) returns (spec.md
// §4.9).
type Status struct {
	SpanID       models.SpanId
	RunID        models.RunId
	Status       models.WorkerStatus
	Iteration    int
	MessageCount int
	KeepAlive    bool
	Cwd          string
}

// StatusQuery requests a Status snapshot.
type StatusQuery struct {
	Reply chan Status
}

// iterateTick is the internal self-directed message that advances the
// loop (spec.md §4.7's stimulus #1).
type iterateTick struct{}

// evalOutcome is what the async eval task (started in §4.7.1f)
// delivers back to the worker's own mailbox on completion, whether the
// interpreter returned normally or the task itself crashed.
type evalOutcome struct {
	result    interp.EvalResult
	crashErr  error
}

// spawnSubcallReq is the internal message representing one blocked
// spawn_subcall invocation from running evaluated code (spec.md
// §4.7.3). It is sent into the owning worker's mailbox from the eval
// goroutine and blocks there until Reply receives a value.
type spawnSubcallReq struct {
	text      string
	modelSize models.ModelSize
	reply     chan subcallReply
}

type subcallReply struct {
	value string
	err   error
}

// directQueryReq is the internal message representing one blocked
// direct_query invocation (spec.md §4.7.3).
type directQueryReq struct {
	text      string
	modelSize models.ModelSize
	schema    []byte
	reply     chan directQueryReplyMsg
}

type directQueryReplyMsg struct {
	value []byte
	err   error
}

// directQueryDone is delivered back to the worker's own mailbox by the
// supervised direct_query task (spec.md §4.7.3).
type directQueryDone struct {
	queryID string
	value   []byte
	err     error
}
