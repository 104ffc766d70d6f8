package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/prompt"
	"github.com/haasonsaas/rlmd/internal/taxonomy"
	"github.com/haasonsaas/rlmd/internal/truncate"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// compactionThresholdPercent is the "80% of the current model's
// context-window budget" figure of spec.md §4.7.1b.
const compactionThresholdPercent = 80

// mailboxCapacity bounds each worker's inbound message queue. It only
// needs to hold messages this worker hasn't yet drained; a single
// actor handling one message at a time rarely needs more than a
// handful buffered (pendingSubcalls is itself bounded by
// max_concurrent_subcalls).
const mailboxCapacity = 64

// Worker is the reentrant per-LLM-node actor of spec.md §4.7. Every
// field below is owned exclusively by the goroutine running run(); no
// other goroutine reads or writes them directly — all external
// interaction goes through the mailbox, preserving the "exactly one
// handler runs for this actor at any instant" guarantee of spec.md §5.
type Worker struct {
	opts Options
	deps Deps

	mailbox     chan any
	done        chan struct{}
	stopped     bool
	crashReason string

	state       models.WorkerStatus
	iteration   int
	history     []models.Message
	bindings    map[string]any
	prevCodes   []string
	evalCtx     *evalContext
	turnReply   chan SendReply
	startedAtUs int64

	pendingSubcalls map[string]pendingEntry
}

type evalContext struct {
	code             string
	reasoning        string
	usage            models.Usage
	iterStart        int64
	evalStart        int64
	assistantMessage models.Message
	bindingsSnapshot map[string]any
}

type pendingKind int

const (
	pendingSpawn pendingKind = iota
	pendingDirect
)

type pendingEntry struct {
	kind        pendingKind
	spawnReply  chan subcallReply
	directReply chan directQueryReplyMsg
}

// llmResponse is the {reasoning, code} shape every LLM turn is
// constrained to (spec.md §4.5, §4.7.1d-e).
type llmResponse struct {
	Reasoning string `json:"reasoning"`
	Code      string `json:"code"`
}

// New constructs a Worker. Call Start to begin running it.
func New(opts Options) *Worker {
	return &Worker{
		opts:            opts,
		deps:            opts.Deps,
		mailbox:         make(chan any, mailboxCapacity),
		done:            make(chan struct{}),
		bindings:        map[string]any{},
		pendingSubcalls: map[string]pendingEntry{},
	}
}

// Start launches the worker's actor loop on its own goroutine. ctx is
// run-scoped: cancelling it is how the Run coordinator cascades
// shutdown into every worker in the run (spec.md §5 "Cancellation").
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Done is closed once this worker's actor loop has exited, for the Run
// coordinator's lifecycle monitor (spec.md §4.8).
func (w *Worker) Done() <-chan struct{} { return w.done }

// CrashReason reports whether this worker's actor loop exited because
// of an unrecovered panic (spec.md §4.8's "abnormal exit" — a
// worker_crash, distinct from a normal Result completion or a
// recoverable eval_crash inside a single iteration). Only meaningful
// after Done() is closed.
func (w *Worker) CrashReason() (string, bool) {
	return w.crashReason, w.crashReason != ""
}

// Deliver implements Recipient: messages from the Run, from a parent
// worker's completed child, or from this worker's own eval/task
// goroutines all arrive this way.
func (w *Worker) Deliver(msg any) {
	select {
	case w.mailbox <- msg:
	case <-w.done:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.crashReason = fmt.Sprintf("%v", r)
			w.stopped = true
		}
	}()
	w.startedAtUs = w.deps.Clock.NowMicros()
	depthLabel := strconv.Itoa(w.opts.Depth)
	w.deps.Metrics.WorkerStarted(depthLabel)
	defer w.deps.Metrics.WorkerStopped(depthLabel)

	ctx, lifetimeSpan := w.deps.Tracer.TraceWorkerLifetime(ctx, w.opts.RunID, w.opts.SpanID, w.opts.Depth)
	defer lifetimeSpan.End()

	sysMsg := prompt.SystemMessage(w.opts.Depth, w.opts.PromptFiles)

	if w.opts.KeepAlive {
		w.history = []models.Message{sysMsg}
		w.state = models.WorkerIdle
	} else {
		contextBytes := len(w.opts.InitialContext)
		contextLines := strings.Count(w.opts.InitialContext, "\n") + 1
		preview := truncate.Truncate(w.opts.InitialContext, 200, 0)
		userMsg := prompt.UserMessage(w.opts.InitialQuery, contextBytes, contextLines, preview)
		w.history = []models.Message{sysMsg, userMsg}
		w.bindings["context"] = w.opts.InitialContext
		w.state = models.WorkerRunning
	}

	w.emit(models.EventNodeStart, map[string]any{
		"model":      w.opts.Model,
		"keep_alive": w.opts.KeepAlive,
		"depth":      w.opts.Depth,
	})

	if !w.opts.KeepAlive {
		w.onIterate(ctx)
	}

	for !w.stopped {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.mailbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case iterateTick:
		w.onIterate(ctx)
	case evalOutcome:
		w.onEvalOutcome(ctx, m)
	case spawnSubcallReq:
		w.onSpawnSubcall(ctx, m)
	case directQueryReq:
		w.onDirectQuery(ctx, m)
	case directQueryDone:
		w.onDirectQueryDone(m)
	case Result:
		w.onChildResult(m)
	case ChildCrashed:
		w.onChildCrashed(m)
	case SendMessage:
		w.onSendMessage(ctx, m)
	case HistoryQuery:
		m.Reply <- append([]models.Message(nil), w.history...)
	case StatusQuery:
		m.Reply <- w.statusSnapshot()
	}
}

// onIterate implements the iterate tick of spec.md §4.7.1.
func (w *Worker) onIterate(ctx context.Context) {
	if w.iteration >= w.opts.Config.MaxIterations {
		w.complete(Result{OK: false, Reason: fmt.Sprintf("maximum iterations (%d) reached", w.opts.Config.MaxIterations)})
		return
	}

	if needsCompaction(w.history, w.opts.Config.ContextWindowFor(w.opts.Model), compactionThresholdPercent) {
		w.compact()
	}

	w.emit(models.EventIterationStart, map[string]any{"iteration": w.iteration})
	iterStart := w.deps.Clock.NowMicros()

	iterCtx, iterSpan := w.deps.Tracer.TraceIteration(ctx, w.opts.SpanID, w.iteration)
	defer iterSpan.End()

	schema, err := llm.DefaultSchema()
	if err != nil {
		w.deps.Tracer.RecordError(iterSpan, err)
		w.complete(Result{OK: false, Reason: "default response schema failed to compile: " + err.Error()})
		return
	}

	llmCtx := iterCtx
	var cancel context.CancelFunc
	if w.opts.Config.LLMTimeout > 0 {
		llmCtx, cancel = context.WithTimeout(iterCtx, w.opts.Config.LLMTimeout)
	}
	w.emit(models.EventLLMRequestStart, nil)
	llmCallStart := w.deps.Clock.NowMicros()
	chatResult, chatErr := w.deps.LLM.Chat(llmCtx, w.history, w.opts.Model, llm.ChatOpts{
		Schema:  schema,
		Timeout: w.opts.Config.LLMTimeout,
	})
	if cancel != nil {
		cancel()
	}
	llmSeconds := float64(w.deps.Clock.NowMicros()-llmCallStart) / 1e6
	if chatErr != nil {
		w.emit(models.EventLLMRequestError, map[string]any{"error": chatErr.Error()})
		w.deps.Metrics.RecordLLMRequest(w.opts.Config.Provider, w.opts.Model, "error", llmSeconds, 0, 0)
		w.deps.Tracer.RecordError(iterSpan, chatErr)
		w.complete(Result{OK: false, Reason: chatErr.Error()})
		return
	}
	w.deps.Metrics.RecordLLMRequest(w.opts.Config.Provider, w.opts.Model, "success", llmSeconds,
		chatResult.Usage.PromptTokens, chatResult.Usage.CompletionTokens)
	w.emit(models.EventLLMRequestStop, map[string]any{
		"prompt_tokens":     chatResult.Usage.PromptTokens,
		"completion_tokens": chatResult.Usage.CompletionTokens,
	})

	var parsed llmResponse
	if jsonErr := json.Unmarshal([]byte(chatResult.Text), &parsed); jsonErr != nil {
		w.complete(Result{OK: false, Reason: "failed to parse LLM response: " + jsonErr.Error()})
		return
	}

	assistantMsg := models.Message{Role: models.RoleAssistant, Content: chatResult.Text}

	if parsed.Code == "" {
		w.history = append(w.history,
			assistantMsg,
			prompt.FeedbackMessage(models.EvalStatusSkipped, "empty code", bindingsInfo(w.bindings), false),
		)
		w.iteration++
		w.onIterate(ctx)
		return
	}

	w.evalCtx = &evalContext{
		code:             parsed.Code,
		reasoning:        parsed.Reasoning,
		usage:            chatResult.Usage,
		iterStart:        iterStart,
		evalStart:        w.deps.Clock.NowMicros(),
		assistantMessage: assistantMsg,
		bindingsSnapshot: w.bindings,
	}
	w.emit(models.EventEvalStart, map[string]any{"iteration": w.iteration})

	bindingsSnapshot := w.bindings
	go w.runEval(iterCtx, parsed.Code, bindingsSnapshot)
}

// runEval is the "supervised task" of spec.md §4.7.1f: it runs on its
// own goroutine so the worker's handler can return immediately and
// keep servicing spawn_subcall/direct_query callbacks issued from
// inside this very eval.
func (w *Worker) runEval(ctx context.Context, code string, bindings map[string]any) {
	ctx, evalSpan := w.deps.Tracer.TraceEval(ctx, w.opts.SpanID)
	defer evalSpan.End()
	defer func() {
		if r := recover(); r != nil {
			w.deps.Tracer.RecordError(evalSpan, fmt.Errorf("%v", r))
			w.Deliver(evalOutcome{crashErr: fmt.Errorf("panic: %v", r)})
		}
	}()
	opts := interp.EvalOpts{
		Timeout: w.opts.Config.EvalTimeout,
		WorkDir: w.opts.WorkDir,
		Callbacks: interp.Callbacks{
			SpawnSubcall: w.spawnSubcallCallback,
			DirectQuery:  w.directQueryCallback,
			BindingsInfo: func() []models.BindingInfo { return bindingsInfo(bindings) },
		},
	}
	result, err := w.deps.Interp.Eval(ctx, code, bindings, opts)
	w.deps.Tracer.RecordError(evalSpan, err)
	w.Deliver(evalOutcome{result: result, crashErr: err})
}

// onEvalOutcome implements spec.md §4.7.2.
func (w *Worker) onEvalOutcome(ctx context.Context, outcome evalOutcome) {
	ec := w.evalCtx
	if ec == nil {
		return
	}
	evalStop := w.deps.Clock.NowMicros()
	duration := evalStop - ec.evalStart
	evalSeconds := float64(duration) / 1e6

	if outcome.crashErr != nil {
		w.emit(models.EventEvalError, map[string]any{"error": outcome.crashErr.Error(), "duration_us": duration})
		w.deps.Metrics.RecordEval("crash", evalSeconds)
		errText := truncate.Truncate("eval process crashed: "+outcome.crashErr.Error(), w.opts.Config.TruncationHead, w.opts.Config.TruncationTail)
		w.finishIterationWithError(ctx, ec, errText)
		return
	}

	result := outcome.result
	if !result.OK {
		w.emit(models.EventEvalError, map[string]any{"duration_us": duration})
		w.deps.Metrics.RecordEval("error", evalSeconds)
		errText := truncate.Truncate(result.ErrorOutput, w.opts.Config.TruncationHead, w.opts.Config.TruncationTail)
		w.finishIterationWithError(ctx, ec, errText)
		return
	}

	w.deps.Metrics.RecordEval("ok", evalSeconds)
	w.emit(models.EventEvalStop, map[string]any{"duration_us": duration})
	stdout := truncate.Truncate(result.Stdout, w.opts.Config.TruncationHead, w.opts.Config.TruncationTail)
	answer, isSet := extractFinalAnswer(result.NewBindings)
	feedback := prompt.FeedbackMessage(models.EvalStatusOK, stdout, bindingsInfo(result.NewBindings), isSet)

	w.history = append(w.history, ec.assistantMessage, feedback)
	w.bindings = result.NewBindings
	w.iteration++
	w.prevCodes = append(w.prevCodes, ec.code)
	w.applyLoopNudge()
	w.emit(models.EventIterationStop, map[string]any{
		"iteration":   w.iteration,
		"duration_us": evalStop - ec.iterStart,
	})
	w.evalCtx = nil

	if isSet {
		w.complete(Result{OK: true, Answer: answer})
		return
	}
	w.onIterate(ctx)
}

func (w *Worker) finishIterationWithError(ctx context.Context, ec *evalContext, errText string) {
	feedback := prompt.FeedbackMessage(models.EvalStatusError, errText, bindingsInfo(ec.bindingsSnapshot), false)
	w.history = append(w.history, ec.assistantMessage, feedback)
	w.iteration++
	w.evalCtx = nil
	w.onIterate(ctx)
}

// applyLoopNudge implements spec.md §4.7.5.
func (w *Worker) applyLoopNudge() {
	if !isLooping(w.prevCodes) {
		return
	}
	const nudgeText = `Your last three programs were nearly identical. Try a substantially ` +
		`different approach, or set "final_answer" if you already have enough information.`
	w.history = append(w.history, prompt.FeedbackMessage(models.EvalStatusNudge, nudgeText, bindingsInfo(w.bindings), false))
	w.prevCodes = nil
}

// compact implements the history-compaction heuristic of spec.md
// §4.7.1b.
func (w *Worker) compact() {
	serialized := serializeForCompaction(w.history)
	existing, _ := w.bindings["compacted_history"].(string)
	w.bindings["compacted_history"] = existing + serialized

	sysMsg := w.history[0]
	addendum := prompt.CompactionAddendum(compactionPreview(serialized))
	w.history = []models.Message{sysMsg, addendum}
	w.emit(models.EventCompactionRun, map[string]any{"serialized_bytes": len(serialized)})
}

// onSpawnSubcall implements spec.md §4.7.3's spawn_subcall path.
func (w *Worker) onSpawnSubcall(ctx context.Context, req spawnSubcallReq) {
	if w.opts.Depth >= w.opts.Config.MaxDepth {
		w.deps.Metrics.RecordSubcall("depth_exceeded")
		req.reply <- subcallReply{err: fmt.Errorf("maximum recursion depth (%d) exceeded", w.opts.Config.MaxDepth)}
		return
	}
	if len(w.pendingSubcalls) >= w.opts.Config.MaxConcurrentSubcalls {
		w.deps.Metrics.RecordSubcall("concurrency_exceeded")
		req.reply <- subcallReply{err: fmt.Errorf("max concurrent subcalls (%d) reached", w.opts.Config.MaxConcurrentSubcalls)}
		return
	}

	childSpanID := w.deps.NewSpanID()
	w.emit(models.EventSubcallSpawn, map[string]any{
		"child_span_id": string(childSpanID),
		"model_size":    string(req.modelSize),
	})

	model := w.opts.Config.ResolveModel(req.modelSize)
	_, err := w.opts.Run.StartChild(ctx, ChildOpts{
		SpanID:       childSpanID,
		Context:      req.text,
		Query:        req.text,
		Depth:        w.opts.Depth + 1,
		ParentSpanID: w.opts.SpanID,
		Model:        model,
		WorkDir:      w.opts.WorkDir,
		Caller:       w,
	})
	if err != nil {
		w.deps.Metrics.RecordSubcall("failed")
		req.reply <- subcallReply{err: err}
		return
	}

	w.deps.Metrics.RecordSubcall("spawned")
	w.pendingSubcalls[string(childSpanID)] = pendingEntry{kind: pendingSpawn, spawnReply: req.reply}
}

// onChildResult handles a child's normal completion arriving as a
// Result in this worker's own mailbox (spec.md §4.7.3).
func (w *Worker) onChildResult(res Result) {
	entry, ok := w.pendingSubcalls[string(res.SpanID)]
	if !ok {
		return
	}
	delete(w.pendingSubcalls, string(res.SpanID))
	w.emit(models.EventSubcallResult, map[string]any{"child_span_id": string(res.SpanID), "ok": res.OK})
	w.opts.Run.WorkerDone(res.SpanID)

	if entry.kind != pendingSpawn {
		return
	}
	if res.OK {
		entry.spawnReply <- subcallReply{value: answerToString(res.Answer)}
	} else {
		entry.spawnReply <- subcallReply{err: errors.New(res.Reason)}
	}
}

func (w *Worker) onChildCrashed(msg ChildCrashed) {
	entry, ok := w.pendingSubcalls[string(msg.ChildSpanID)]
	if !ok {
		return
	}
	delete(w.pendingSubcalls, string(msg.ChildSpanID))
	if entry.kind == pendingSpawn {
		entry.spawnReply <- subcallReply{err: fmt.Errorf("subcall crashed: %s", msg.Reason)}
	}
}

// onDirectQuery implements spec.md §4.7.3's direct_query path.
func (w *Worker) onDirectQuery(ctx context.Context, req directQueryReq) {
	if len(w.pendingSubcalls) >= w.opts.Config.MaxConcurrentSubcalls {
		req.reply <- directQueryReplyMsg{err: fmt.Errorf("max concurrent subcalls (%d) reached", w.opts.Config.MaxConcurrentSubcalls)}
		return
	}

	// direct_query's query_id is a plain job identifier, not a wire-format
	// span id (spec.md never constrains its shape), so it gets a standard
	// UUID rather than the SpanId crypto/rand+base32 scheme.
	queryID := uuid.NewString()
	w.emit(models.EventDirectQueryStart, map[string]any{"query_id": queryID})
	w.pendingSubcalls[queryID] = pendingEntry{kind: pendingDirect, directReply: req.reply}

	model := w.opts.Config.ResolveModel(req.modelSize)
	go w.runDirectQuery(ctx, queryID, req.text, model, req.schema)
}

func (w *Worker) runDirectQuery(ctx context.Context, queryID, text, model string, schemaSrc []byte) {
	var schema *llm.Schema
	if len(schemaSrc) > 0 {
		compiled, err := llm.CompileSchema(queryID, string(schemaSrc))
		if err != nil {
			w.Deliver(directQueryDone{queryID: queryID, err: fmt.Errorf("invalid schema: %w", err)})
			return
		}
		schema = compiled
	}

	queryCtx := ctx
	if w.opts.Config.SubcallTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, w.opts.Config.SubcallTimeout)
		defer cancel()
	}

	result, err := w.deps.LLM.Chat(queryCtx, []models.Message{{Role: models.RoleUser, Content: text}}, model, llm.ChatOpts{
		Schema:  schema,
		Timeout: w.opts.Config.LLMTimeout,
	})
	if err != nil {
		w.Deliver(directQueryDone{queryID: queryID, err: err})
		return
	}

	var decoded any
	if jsonErr := json.Unmarshal([]byte(result.Text), &decoded); jsonErr != nil {
		w.Deliver(directQueryDone{queryID: queryID, err: errors.New("JSON decode failed")})
		return
	}
	encoded, _ := json.Marshal(decoded)
	w.Deliver(directQueryDone{queryID: queryID, value: encoded})
}

func (w *Worker) onDirectQueryDone(msg directQueryDone) {
	entry, ok := w.pendingSubcalls[msg.queryID]
	if !ok {
		return
	}
	delete(w.pendingSubcalls, msg.queryID)
	w.emit(models.EventDirectQueryStop, map[string]any{"query_id": msg.queryID, "ok": msg.err == nil})
	if entry.kind != pendingDirect {
		return
	}
	if msg.err != nil {
		entry.directReply <- directQueryReplyMsg{err: msg.err}
		return
	}
	entry.directReply <- directQueryReplyMsg{value: msg.value}
}

// spawnSubcallCallback is installed as interp.Callbacks.SpawnSubcall:
// it is called from the eval goroutine, blocks the running program
// until this worker's actor loop (a different goroutine) replies.
func (w *Worker) spawnSubcallCallback(ctx context.Context, text string, modelSize models.ModelSize) (string, error) {
	boundedCtx, cancel := w.boundBySubcallTimeout(ctx)
	defer cancel()

	reply := make(chan subcallReply, 1)
	if err := w.sendToMailbox(boundedCtx, spawnSubcallReq{text: text, modelSize: modelSize, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-boundedCtx.Done():
		return "", boundedCtx.Err()
	}
}

// directQueryCallback is installed as interp.Callbacks.DirectQuery.
func (w *Worker) directQueryCallback(ctx context.Context, text string, modelSize models.ModelSize, schema json.RawMessage) (json.RawMessage, error) {
	boundedCtx, cancel := w.boundBySubcallTimeout(ctx)
	defer cancel()

	reply := make(chan directQueryReplyMsg, 1)
	if err := w.sendToMailbox(boundedCtx, directQueryReq{text: text, modelSize: modelSize, schema: schema, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-boundedCtx.Done():
		return nil, boundedCtx.Err()
	}
}

func (w *Worker) boundBySubcallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.opts.Config.SubcallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.opts.Config.SubcallTimeout)
}

func (w *Worker) sendToMailbox(ctx context.Context, msg any) error {
	select {
	case w.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return taxonomy.ErrWorkerBusy
	}
}

// onSendMessage implements spec.md §4.7.6.
func (w *Worker) onSendMessage(ctx context.Context, msg SendMessage) {
	if w.state == models.WorkerRunning {
		msg.Reply <- SendReply{OK: false, Reason: "worker is busy"}
		return
	}
	w.history = append(w.history, models.Message{Role: models.RoleUser, Content: msg.Text})
	w.bindings["final_answer"] = nil
	w.iteration = 0
	w.prevCodes = nil
	w.turnReply = msg.Reply
	w.state = models.WorkerRunning
	w.onIterate(ctx)
}

// complete implements spec.md §4.7.4.
func (w *Worker) complete(result Result) {
	result.SpanID = w.opts.SpanID
	duration := w.deps.Clock.NowMicros() - w.startedAtUs

	if w.opts.KeepAlive {
		w.emit(models.EventTurnComplete, map[string]any{"duration_us": duration, "ok": result.OK})
		if w.turnReply != nil {
			w.turnReply <- SendReply{OK: result.OK, Answer: result.Answer, Reason: result.Reason}
			w.turnReply = nil
		}
		w.iteration = 0
		w.prevCodes = nil
		w.evalCtx = nil
		w.bindings["final_answer"] = nil
		w.state = models.WorkerIdle
		return
	}

	w.emit(models.EventNodeStop, map[string]any{"duration_us": duration, "ok": result.OK})
	if w.opts.Caller != nil {
		w.opts.Caller.Deliver(result)
	}
	w.state = models.WorkerCompleted
	if !result.OK {
		w.state = models.WorkerFailed
	}
	w.stopped = true
}

func (w *Worker) statusSnapshot() Status {
	return Status{
		SpanID:       w.opts.SpanID,
		RunID:        w.opts.RunID,
		Status:       w.state,
		Iteration:    w.iteration,
		MessageCount: len(w.history),
		KeepAlive:    w.opts.KeepAlive,
		Cwd:          w.opts.WorkDir,
	}
}

func (w *Worker) emit(t models.TraceEventType, payload map[string]any) {
	if !w.opts.Config.CaptureTrace || w.deps.Bus == nil {
		return
	}
	w.deps.Bus.PublishAll(models.TraceEvent{
		Type:         t,
		TimestampUs:  w.deps.Clock.NowMicros(),
		RunID:        w.opts.RunID,
		SpanID:       w.opts.SpanID,
		ParentSpanID: w.opts.ParentSpanID,
		Depth:        w.opts.Depth,
		Payload:      payload,
	})
}

// extractFinalAnswer reads the opaque "final_answer" binding. A tagged
// {ok, v} map is unwrapped to v, matching the interpreter convention
// for "a value is present, even if that value is itself falsy"
// (spec.md §4.7.2).
func extractFinalAnswer(bindings map[string]any) (any, bool) {
	v, ok := bindings["final_answer"]
	if !ok || v == nil {
		return nil, false
	}
	if tagged, isMap := v.(map[string]any); isMap {
		if okFlag, hasOK := tagged["ok"].(bool); hasOK && okFlag {
			return tagged["v"], true
		}
	}
	return v, true
}

// answerToString renders a subcall's arbitrary answer value into the
// string spawn_subcall's host-callback signature returns to evaluated
// code (interp.Callbacks.SpawnSubcall).
func answerToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// bindingsInfo projects the opaque bindings map into the
// name/type/size summaries spec.md §4.6's bindings_info callback and
// the feedback message's "bindings" field both need, without ever
// exposing a binding's actual value.
func bindingsInfo(bindings map[string]any) []models.BindingInfo {
	infos := make([]models.BindingInfo, 0, len(bindings))
	for name, v := range bindings {
		infos = append(infos, models.BindingInfo{
			Name:  name,
			Type:  fmt.Sprintf("%T", v),
			Bytes: approxBindingSize(v),
		})
	}
	return infos
}

func approxBindingSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []byte:
		return len(t)
	case nil:
		return 0
	default:
		return len(fmt.Sprintf("%v", t))
	}
}
