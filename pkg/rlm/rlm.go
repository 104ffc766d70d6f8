// Package rlm is the public facade of the execution engine (spec.md
// §4.9, component C10): a one-shot Run entry point and an interactive
// session entry point, both translating the actor tree's internal
// messages into plain return values with bounded timeouts. Nothing
// outside this package's callers ever touches a Worker or Run
// directly.
package rlm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/internal/prompt"
	"github.com/haasonsaas/rlmd/internal/run"
	"github.com/haasonsaas/rlmd/internal/worker"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// Deps are the process-wide collaborators the engine needs: the
// concrete LLM and interpreter adapters, the event bus, and the
// system-prompt files. Supplied once by the process supervisor (C12).
type Deps struct {
	LLM         llm.Client
	Interp      interp.Interpreter
	Bus         *bus.Bus
	Clock       clock.Clock
	PromptFiles prompt.Files

	// Metrics is an optional Prometheus collector. Nil disables
	// metrics recording without affecting engine behavior.
	Metrics *observability.Metrics

	// Tracer is an optional OTel span emitter. Nil disables span
	// emission without affecting engine behavior.
	Tracer *observability.Tracer
}

// Option overrides a field of the base config for one call.
type Option func(*models.Config)

// WithConfig replaces the base config wholesale for one call.
func WithConfig(cfg *models.Config) Option {
	return func(c *models.Config) { *c = *cfg }
}

// WithWorkDir sets the per-session working directory passed to the
// interpreter adapter (spec.md §6).
func WithWorkDir(dir string) Option {
	return func(c *models.Config) { c.WorkDir = dir }
}

// Engine is the facade's runtime state: the base config plus every
// open interactive session, keyed by session id (a worker's span id).
// The zero value is not usable; construct with New.
type Engine struct {
	base *models.Config
	deps Deps

	mu       sync.Mutex
	sessions map[models.SpanId]*sessionEntry
}

type sessionEntry struct {
	runID models.RunId
	r     *run.Run
	w     *worker.Worker
}

// New constructs an Engine from the process-wide collaborators and a
// base config used by every call unless overridden.
func New(deps Deps, base *models.Config) *Engine {
	if base == nil {
		base = models.DefaultConfig()
	}
	return &Engine{
		base:     base,
		deps:     deps,
		sessions: make(map[models.SpanId]*sessionEntry),
	}
}

func (e *Engine) configFor(opts []Option) *models.Config {
	cfg := e.base.Clone()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (e *Engine) runDeps() run.Deps {
	return run.Deps{
		LLM:         e.deps.LLM,
		Interp:      e.deps.Interp,
		Bus:         e.deps.Bus,
		Clock:       e.deps.Clock,
		NewSpanID:   clock.NewSpanID,
		PromptFiles: e.deps.PromptFiles,
		Metrics:     e.deps.Metrics,
		Tracer:      e.deps.Tracer,
	}
}

// resultChan adapts a buffered worker.Result channel into a
// worker.Recipient so it can be passed as a one-shot call's Caller.
type resultChan chan worker.Result

func (c resultChan) Deliver(msg any) {
	if r, ok := msg.(worker.Result); ok {
		c <- r
	}
}

// Run executes a one-shot query to completion (spec.md §4.9's "run").
// total_timeout is 2 * the effective config's eval_timeout; on expiry
// the underlying Run is torn down and a timeout error returned.
func (e *Engine) Run(ctx context.Context, rlmContext, query string, opts ...Option) (answer any, runID models.RunId, err error) {
	cfg := e.configFor(opts)
	runID = clock.NewRunID()
	totalTimeout := 2 * cfg.EvalTimeout

	runCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	runStart := e.deps.Clock.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
		}
		e.deps.Metrics.RecordRun(status, time.Since(runStart).Seconds())
	}()

	r := run.New(runID, cfg, false, e.runDeps())
	r.Start(runCtx)

	reply := make(resultChan, 1)
	w, err := r.StartRoot(run.StartOpts{
		Depth:   0,
		Model:   cfg.ResolveModel(models.ModelSizeLarge),
		Context: rlmContext,
		Query:   query,
		WorkDir: cfg.WorkDir,
		Caller:  reply,
	})
	if err != nil {
		return nil, runID, err
	}

	select {
	case res := <-reply:
		if res.OK {
			return res.Answer, runID, nil
		}
		return nil, runID, errors.New(res.Reason)
	case <-w.Done():
		if reason, crashed := w.CrashReason(); crashed {
			return nil, runID, fmt.Errorf("worker crashed: %s", reason)
		}
		select {
		case res := <-reply:
			if res.OK {
				return res.Answer, runID, nil
			}
			return nil, runID, errors.New(res.Reason)
		default:
			return nil, runID, errors.New("worker completed without a result")
		}
	case <-runCtx.Done():
		r.Shutdown()
		return nil, runID, fmt.Errorf("timed out after %s", totalTimeout)
	}
}

// StartSession starts a keep-alive interactive session and returns its
// session id (the root worker's span id, spec.md §4.9's
// "start_session").
func (e *Engine) StartSession(opts ...Option) (models.SpanId, error) {
	cfg := e.configFor(opts)
	runID := clock.NewRunID()
	spanID := clock.NewSpanID()

	r := run.New(runID, cfg, true, e.runDeps())
	r.Start(context.Background())

	w, err := r.StartRoot(run.StartOpts{
		SpanID:    spanID,
		Model:     cfg.ResolveModel(models.ModelSizeLarge),
		KeepAlive: true,
		WorkDir:   cfg.WorkDir,
	})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.sessions[spanID] = &sessionEntry{runID: runID, r: r, w: w}
	e.mu.Unlock()

	return spanID, nil
}

func (e *Engine) session(sessionID models.SpanId) (*sessionEntry, error) {
	e.mu.Lock()
	entry, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rlm: unknown session %q", sessionID)
	}
	return entry, nil
}

// SendMessage runs one turn of an interactive session and returns its
// final answer (spec.md §4.9's "send_message").
func (e *Engine) SendMessage(sessionID models.SpanId, text string, timeout time.Duration) (any, error) {
	entry, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}

	reply := make(chan worker.SendReply, 1)
	entry.w.Deliver(worker.SendMessage{Text: text, Reply: reply})

	select {
	case r := <-reply:
		if r.OK {
			return r.Answer, nil
		}
		return nil, errors.New(r.Reason)
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out after %s", timeout)
	case <-entry.w.Done():
		reason, _ := entry.w.CrashReason()
		return nil, fmt.Errorf("worker crashed: %s", reason)
	}
}

// History returns a session's current message history (spec.md
// §4.9's "history").
func (e *Engine) History(sessionID models.SpanId) ([]models.Message, error) {
	entry, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}

	reply := make(chan []models.Message, 1)
	entry.w.Deliver(worker.HistoryQuery{Reply: reply})

	select {
	case h := <-reply:
		return h, nil
	case <-time.After(5 * time.Second):
		return nil, errors.New("rlm: history query timed out")
	}
}

// Status returns a session's current status record (spec.md §4.9's
// "status").
func (e *Engine) Status(sessionID models.SpanId) (worker.Status, error) {
	entry, err := e.session(sessionID)
	if err != nil {
		return worker.Status{}, err
	}

	reply := make(chan worker.Status, 1)
	entry.w.Deliver(worker.StatusQuery{Reply: reply})

	select {
	case s := <-reply:
		return s, nil
	case <-time.After(5 * time.Second):
		return worker.Status{}, errors.New("rlm: status query timed out")
	}
}

// EndSession tears an interactive session's run down explicitly and
// forgets it. Idle sessions are otherwise unbounded in lifetime; this
// is the caller-driven counterpart to the TTL sweeper's trace-log
// reaping (spec.md §4.10, which only reaps trace data, not live runs).
func (e *Engine) EndSession(sessionID models.SpanId) error {
	entry, err := e.session(sessionID)
	if err != nil {
		return err
	}
	entry.r.Shutdown()

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	return nil
}
