package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/worker"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// queuedClient is a scripted llm.Client test double: each Chat call
// pops the next queued response, in FIFO order, regardless of which
// goroutine calls it (the direct_query path calls Chat from its own
// supervised task, concurrently with the main iterate loop's own
// Chat calls).
type queuedClient struct {
	mu        sync.Mutex
	responses []queuedResponse
}

type queuedResponse struct {
	text string
	err  error
}

func (q *queuedClient) Chat(ctx context.Context, messages []models.Message, model string, opts llm.ChatOpts) (llm.ChatResult, error) {
	q.mu.Lock()
	if len(q.responses) == 0 {
		q.mu.Unlock()
		return llm.ChatResult{}, nil
	}
	r := q.responses[0]
	q.responses = q.responses[1:]
	q.mu.Unlock()

	if r.err != nil {
		return llm.ChatResult{}, r.err
	}
	return llm.ChatResult{Text: r.text, Usage: models.Usage{Known: true}}, nil
}

// fakeRun is a worker.RunHandle test double. StartChild immediately
// "completes" the child by delivering a canned Result back to the
// caller on a separate goroutine, simulating a child worker that runs
// to completion.
type fakeRun struct {
	mu       sync.Mutex
	started  []worker.ChildOpts
	childErr error
	childOK  bool
	childAns any
}

func (f *fakeRun) StartChild(ctx context.Context, opts worker.ChildOpts) (worker.Recipient, error) {
	f.mu.Lock()
	f.started = append(f.started, opts)
	childErr := f.childErr
	f.mu.Unlock()

	if childErr != nil {
		return nil, childErr
	}
	go func() {
		opts.Caller.Deliver(worker.Result{SpanID: opts.SpanID, OK: f.childOK, Answer: f.childAns, Reason: "child failed"})
	}()
	return opts.Caller, nil
}

func (f *fakeRun) WorkerDone(spanID models.SpanId) {}

func newDeps(client llm.Client, interpreter interp.Interpreter) worker.Deps {
	return worker.Deps{
		LLM:    client,
		Interp: interpreter,
		Bus:    nil,
		Clock:  clock.NewFake(time.Unix(0, 0), time.Microsecond),
		NewSpanID: func() models.SpanId {
			return models.SpanId("child-span")
		},
	}
}

func defaultConfig() *models.Config {
	cfg := models.DefaultConfig()
	cfg.CaptureTrace = false
	cfg.EvalTimeout = time.Second
	cfg.LLMTimeout = time.Second
	cfg.SubcallTimeout = time.Second
	return cfg
}

func waitForResult(t *testing.T, ch chan worker.Result) worker.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker result")
		return worker.Result{}
	}
}

type chanCaller chan worker.Result

func (c chanCaller) Deliver(msg any) {
	if r, ok := msg.(worker.Result); ok {
		c <- r
	}
}

func TestWorkerSingleIterationCompletion(t *testing.T) {
	client := &queuedClient{responses: []queuedResponse{
		{text: `{"reasoning":"done","code":"answer"}`},
	}}
	mock := interp.NewMock()
	mock.Register("answer", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, Stdout: "42", NewBindings: map[string]any{"final_answer": "42"}}, nil
	})

	caller := make(chanCaller, 1)
	w := worker.New(worker.Options{
		SpanID:         "root",
		Model:          "m",
		Config:         defaultConfig(),
		Caller:         caller,
		InitialContext: "ctx",
		InitialQuery:   "q",
		Deps:           newDeps(client, mock),
		Run:            &fakeRun{},
	})
	w.Start(context.Background())

	result := waitForResult(t, caller)
	if !result.OK || result.Answer != "42" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorkerRetriesAfterEvalError(t *testing.T) {
	client := &queuedClient{responses: []queuedResponse{
		{text: `{"reasoning":"try","code":"fails"}`},
		{text: `{"reasoning":"done","code":"succeeds"}`},
	}}
	mock := interp.NewMock()
	mock.Register("fails", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: false, ErrorOutput: "boom", OriginalBindings: bindings}, nil
	})
	mock.Register("succeeds", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "ok"}}, nil
	})

	caller := make(chanCaller, 1)
	w := worker.New(worker.Options{
		SpanID: "root",
		Model:  "m",
		Config: defaultConfig(),
		Caller: caller,
		Deps:   newDeps(client, mock),
		Run:    &fakeRun{},
	})
	w.Start(context.Background())

	result := waitForResult(t, caller)
	if !result.OK || result.Answer != "ok" {
		t.Fatalf("unexpected result after retry: %+v", result)
	}
}

func TestWorkerMaxIterationsReached(t *testing.T) {
	client := &queuedClient{responses: []queuedResponse{
		{text: `{"reasoning":"r","code":"loop"}`},
	}}
	mock := interp.NewMock()
	mock.Register("loop", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, NewBindings: map[string]any{}}, nil
	})

	cfg := defaultConfig()
	cfg.MaxIterations = 1

	caller := make(chanCaller, 1)
	w := worker.New(worker.Options{
		SpanID: "root",
		Model:  "m",
		Config: cfg,
		Caller: caller,
		Deps:   newDeps(client, mock),
		Run:    &fakeRun{},
	})
	w.Start(context.Background())

	result := waitForResult(t, caller)
	if result.OK {
		t.Fatal("expected failure once max iterations is reached")
	}
	if want := fmt.Sprintf("maximum iterations (%d) reached", cfg.MaxIterations); result.Reason != want {
		t.Fatalf("unexpected reason: %q, want %q", result.Reason, want)
	}
}

func TestWorkerSpawnSubcallDelegatesToRunAndRepliesToCaller(t *testing.T) {
	client := &queuedClient{responses: []queuedResponse{
		{text: `{"reasoning":"r","code":"spawn"}`},
	}}
	mock := interp.NewMock()
	mock.Register("spawn", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		out, err := cb.SpawnSubcall(ctx, "child query", models.ModelSizeSmall)
		if err != nil {
			return interp.EvalResult{OK: false, ErrorOutput: err.Error(), OriginalBindings: bindings}, nil
		}
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": out}}, nil
	})

	run := &fakeRun{childOK: true, childAns: "child says hi"}
	caller := make(chanCaller, 1)
	w := worker.New(worker.Options{
		SpanID: "root",
		Model:  "m",
		Config: defaultConfig(),
		Caller: caller,
		Deps:   newDeps(client, mock),
		Run:    run,
	})
	w.Start(context.Background())

	result := waitForResult(t, caller)
	if !result.OK || result.Answer != "child says hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(run.started) != 1 {
		t.Fatalf("expected exactly one StartChild call, got %d", len(run.started))
	}
	if run.started[0].Depth != 1 {
		t.Fatalf("expected child depth 1, got %d", run.started[0].Depth)
	}
}

func TestWorkerSpawnSubcallRejectedAtMaxDepth(t *testing.T) {
	client := &queuedClient{responses: []queuedResponse{
		{text: `{"reasoning":"r","code":"spawn"}`},
	}}
	mock := interp.NewMock()
	mock.Register("spawn", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		_, err := cb.SpawnSubcall(ctx, "child query", models.ModelSizeSmall)
		if err == nil {
			return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "should not happen"}}, nil
		}
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": err.Error()}}, nil
	})

	cfg := defaultConfig()
	cfg.MaxDepth = 0

	run := &fakeRun{}
	caller := make(chanCaller, 1)
	w := worker.New(worker.Options{
		SpanID: "root",
		Depth:  0,
		Model:  "m",
		Config: cfg,
		Caller: caller,
		Deps:   newDeps(client, mock),
		Run:    run,
	})
	w.Start(context.Background())

	result := waitForResult(t, caller)
	if len(run.started) != 0 {
		t.Fatal("expected no child to be started when already at max depth")
	}
	if result.Answer != "maximum recursion depth (0) exceeded" {
		t.Fatalf("unexpected rejection message: %v", result.Answer)
	}
}

func TestWorkerDirectQueryReturnsParsedJSON(t *testing.T) {
	client := &queuedClient{responses: []queuedResponse{
		{text: `{"reasoning":"r","code":"query"}`},
		{text: `{"answer":4}`},
	}}
	mock := interp.NewMock()
	mock.Register("query", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		parsed, err := cb.DirectQuery(ctx, "what is 2+2", models.ModelSizeSmall, nil)
		if err != nil {
			return interp.EvalResult{OK: false, ErrorOutput: err.Error(), OriginalBindings: bindings}, nil
		}
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": string(parsed)}}, nil
	})

	caller := make(chanCaller, 1)
	w := worker.New(worker.Options{
		SpanID: "root",
		Model:  "m",
		Config: defaultConfig(),
		Caller: caller,
		Deps:   newDeps(client, mock),
		Run:    &fakeRun{},
	})
	w.Start(context.Background())

	result := waitForResult(t, caller)
	if !result.OK {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Answer != `{"answer":4}` {
		t.Fatalf("unexpected direct_query answer: %v", result.Answer)
	}
}

func TestWorkerSendMessageRejectsWhenBusy(t *testing.T) {
	client := &queuedClient{}
	mock := interp.NewMock()

	cfg := defaultConfig()
	w := worker.New(worker.Options{
		SpanID:    "root",
		Model:     "m",
		Config:    cfg,
		KeepAlive: true,
		Deps:      newDeps(client, mock),
		Run:       &fakeRun{},
	})
	w.Start(context.Background())

	// Force the worker into running state via a slow program, then try
	// to send a second message while it is mid-turn.
	mock.Register("slow", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		time.Sleep(200 * time.Millisecond)
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "done"}}, nil
	})
	client.responses = []queuedResponse{{text: `{"reasoning":"r","code":"slow"}`}}

	first := make(chan worker.SendReply, 1)
	w.Deliver(worker.SendMessage{Text: "go", Reply: first})

	time.Sleep(20 * time.Millisecond)

	second := make(chan worker.SendReply, 1)
	w.Deliver(worker.SendMessage{Text: "again", Reply: second})

	select {
	case r := <-second:
		if r.OK || r.Reason != "worker is busy" {
			t.Fatalf("expected busy rejection, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for busy rejection")
	}

	select {
	case r := <-first:
		if !r.OK || r.Answer != "done" {
			t.Fatalf("unexpected first turn result: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first turn to complete")
	}
}
