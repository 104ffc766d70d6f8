package run

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/rlmd/internal/worker"
	"github.com/haasonsaas/rlmd/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ErrShutDown is returned by StartRoot/StartChild once the run has
// already torn down its worker tree.
var ErrShutDown = errors.New("run: already shut down")

// autoShutdownGrace is the idle window spec.md §4.8 allows between the
// worker table going empty and the Run tearing itself down, so a
// SendMessage that arrives a moment later can still find the run.
const autoShutdownGrace = 100 * time.Millisecond

// Run owns one run's worker tree: it starts workers, tracks their
// parent/child/depth/status in a table, monitors their exit, and
// implements cascade shutdown and the auto-shutdown grace period
// (spec.md §4.8, component C9). Exactly one goroutine — run's own
// actor loop — ever touches the table, so it needs no lock.
type Run struct {
	runID     models.RunId
	keepAlive bool
	config    *models.Config
	deps      Deps

	mailbox chan any
	done    chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	// monitors supervises every worker-lifecycle monitor goroutine this
	// run has started, so Shutdown can wait for the whole worker tree to
	// actually exit instead of returning as soon as cancellation is
	// requested.
	monitors errgroup.Group

	table              map[string]*row
	stopped            bool
	shutdownGeneration int
}

// New constructs a Run. Call Start to launch its actor goroutine.
func New(runID models.RunId, config *models.Config, keepAlive bool, deps Deps) *Run {
	return &Run{
		runID:     runID,
		keepAlive: keepAlive,
		config:    config,
		deps:      deps,
		mailbox:   make(chan any, 128),
		done:      make(chan struct{}),
		table:     make(map[string]*row),
	}
}

// Start launches the run's actor loop. ctx bounds the run's total
// lifetime (spec.md §4.9's total_timeout = 2 * eval_timeout for
// one-shot calls); cancelling it tears down every worker this run has
// started.
func (r *Run) Start(ctx context.Context) {
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	go r.loop()
}

// Done closes once the run's actor loop has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// StartRoot starts a root worker under this run (the Public API's
// entrypoint for Run and StartSession, spec.md §4.9). It is
// synchronous: it blocks until the actor loop has inserted the row and
// launched the worker.
func (r *Run) StartRoot(opts StartOpts) (*worker.Worker, error) {
	reply := make(chan startWorkerReply, 1)
	select {
	case r.mailbox <- startWorkerReq{opts: opts, reply: reply}:
	case <-r.done:
		return nil, ErrShutDown
	}
	res := <-reply
	return res.w, res.err
}

// StartChild implements worker.RunHandle, backing spawn_subcall
// (spec.md §4.7.3). It never blocks on the requesting worker's own
// mailbox, so it cannot deadlock against it.
func (r *Run) StartChild(ctx context.Context, opts worker.ChildOpts) (worker.Recipient, error) {
	w, err := r.StartRoot(StartOpts{
		SpanID:       opts.SpanID,
		ParentSpanID: opts.ParentSpanID,
		Depth:        opts.Depth,
		Model:        opts.Model,
		KeepAlive:    false,
		Context:      opts.Context,
		Query:        opts.Query,
		WorkDir:      opts.WorkDir,
		Caller:       opts.Caller,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// WorkerDone implements worker.RunHandle: the one-way notice a parent
// worker sends once it has delivered a subcall's result to its blocked
// caller (spec.md §4.7.3).
func (r *Run) WorkerDone(spanID models.SpanId) {
	select {
	case r.mailbox <- workerDoneMsg{spanID: spanID}:
	case <-r.done:
	}
}

// Shutdown tears the run down explicitly (e.g. the Public API's
// total_timeout firing), waits for the actor loop to process it, and
// then waits for every worker this run started to have actually exited
// (their contexts are descendants of runCtx, so cancellation propagates
// before this returns).
func (r *Run) Shutdown() {
	reply := make(chan struct{})
	select {
	case r.mailbox <- shutdownReq{reply: reply}:
		<-reply
	case <-r.done:
	}
	r.monitors.Wait()
}

func (r *Run) deliverSelf(msg any) {
	select {
	case r.mailbox <- msg:
	case <-r.done:
	}
}

func (r *Run) loop() {
	defer close(r.done)
	for !r.stopped {
		select {
		case <-r.runCtx.Done():
			r.doShutdown()
		case msg := <-r.mailbox:
			r.handle(msg)
		}
	}
}

func (r *Run) handle(msg any) {
	switch m := msg.(type) {
	case startWorkerReq:
		w, err := r.handleStartWorker(m.opts)
		m.reply <- startWorkerReply{w: w, err: err}
	case workerDoneMsg:
		if rw, ok := r.table[string(m.spanID)]; ok && rw.status == models.RowRunning {
			rw.status = models.RowDone
		}
		r.maybeScheduleAutoShutdown()
	case workerExitedMsg:
		r.handleWorkerExited(m)
	case autoShutdownTick:
		r.handleAutoShutdownTick(m)
	case shutdownReq:
		r.doShutdown()
		close(m.reply)
	}
}

func (r *Run) handleStartWorker(opts StartOpts) (*worker.Worker, error) {
	if r.stopped {
		return nil, ErrShutDown
	}

	spanID := opts.SpanID
	if spanID == "" {
		spanID = r.deps.NewSpanID()
	}

	workerCtx, cancel := context.WithCancel(r.runCtx)
	w := worker.New(worker.Options{
		SpanID:         spanID,
		RunID:          r.runID,
		ParentSpanID:   opts.ParentSpanID,
		Depth:          opts.Depth,
		Model:          opts.Model,
		KeepAlive:      opts.KeepAlive,
		Config:         r.config,
		PromptFiles:    r.deps.PromptFiles,
		Caller:         opts.Caller,
		InitialContext: opts.Context,
		InitialQuery:   opts.Query,
		WorkDir:        opts.WorkDir,
		Deps: worker.Deps{
			LLM:       r.deps.LLM,
			Interp:    r.deps.Interp,
			Bus:       r.deps.Bus,
			Clock:     r.deps.Clock,
			NewSpanID: r.deps.NewSpanID,
			Metrics:   r.deps.Metrics,
			Tracer:    r.deps.Tracer,
		},
		Run: r,
	})
	w.Start(workerCtx)

	r.table[string(spanID)] = &row{
		spanID:       spanID,
		parentSpanID: opts.ParentSpanID,
		depth:        opts.Depth,
		status:       models.RowRunning,
		w:            w,
		cancel:       cancel,
	}

	r.monitors.Go(func() error {
		r.monitor(spanID, w)
		return nil
	})

	return w, nil
}

// monitor waits for one worker's actor loop to exit and reports the
// outcome back through the run's own mailbox, so only the actor
// goroutine ever mutates the table (spec.md §4.8's "Monitoring").
func (r *Run) monitor(spanID models.SpanId, w *worker.Worker) {
	<-w.Done()
	reason, crashed := w.CrashReason()
	r.deliverSelf(workerExitedMsg{spanID: spanID, crashed: crashed, reason: reason})
}

func (r *Run) handleWorkerExited(m workerExitedMsg) {
	rw, ok := r.table[string(m.spanID)]
	if !ok {
		return
	}

	if m.crashed {
		rw.status = models.RowCrashed
		r.cascadeCrash(m.spanID)
		if parent := r.runningRecipient(rw.parentSpanID); parent != nil {
			parent.Deliver(worker.ChildCrashed{ChildSpanID: m.spanID, Reason: m.reason})
		}
	} else if rw.status == models.RowRunning {
		rw.status = models.RowDone
	}

	r.maybeScheduleAutoShutdown()
}

// cascadeCrash recursively marks and terminates every still-running row
// whose transitive parent_span_id points to the crashed worker (spec.md
// §4.8: "Recursively mark and terminate all rows whose transitive
// parent_span_id points to the crashed worker").
func (r *Run) cascadeCrash(crashedSpan models.SpanId) {
	for _, rw := range r.children(crashedSpan) {
		if rw.status != models.RowRunning {
			continue
		}
		rw.status = models.RowCrashed
		if rw.cancel != nil {
			rw.cancel()
		}
		r.cascadeCrash(rw.spanID)
	}
}

func (r *Run) children(parent models.SpanId) []*row {
	var out []*row
	for _, rw := range r.table {
		if rw.parentSpanID == parent {
			out = append(out, rw)
		}
	}
	return out
}

func (r *Run) runningRecipient(spanID models.SpanId) worker.Recipient {
	rw, ok := r.table[string(spanID)]
	if !ok || rw.status != models.RowRunning {
		return nil
	}
	return rw.w
}

func (r *Run) anyRunning() bool {
	for _, rw := range r.table {
		if rw.status == models.RowRunning {
			return true
		}
	}
	return false
}

func (r *Run) maybeScheduleAutoShutdown() {
	if r.keepAlive || r.stopped || r.anyRunning() {
		return
	}
	r.shutdownGeneration++
	gen := r.shutdownGeneration
	time.AfterFunc(autoShutdownGrace, func() {
		r.deliverSelf(autoShutdownTick{generation: gen})
	})
}

func (r *Run) handleAutoShutdownTick(m autoShutdownTick) {
	if r.stopped || m.generation != r.shutdownGeneration {
		return
	}
	if r.anyRunning() {
		return
	}
	r.doShutdown()
}

func (r *Run) doShutdown() {
	if r.stopped {
		return
	}
	r.stopped = true
	r.runCancel()
}
