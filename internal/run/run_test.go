package run_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/run"
	"github.com/haasonsaas/rlmd/internal/worker"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// queuedClient is a scripted llm.Client test double shared by every
// worker a single run starts, so a parent's and its child's Chat calls
// are served in the order they actually happen.
type queuedClient struct {
	mu        sync.Mutex
	responses []string
}

func (q *queuedClient) Chat(ctx context.Context, messages []models.Message, model string, opts llm.ChatOpts) (llm.ChatResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.responses) == 0 {
		return llm.ChatResult{}, nil
	}
	text := q.responses[0]
	q.responses = q.responses[1:]
	return llm.ChatResult{Text: text, Usage: models.Usage{Known: true}}, nil
}

func newTestDeps(client llm.Client, interpreter interp.Interpreter) run.Deps {
	n := 0
	var mu sync.Mutex
	return run.Deps{
		LLM:    client,
		Interp: interpreter,
		Bus:    nil,
		Clock:  clock.NewFake(time.Unix(0, 0), time.Microsecond),
		NewSpanID: func() models.SpanId {
			mu.Lock()
			defer mu.Unlock()
			n++
			return models.SpanId(map[int]string{1: "child-1", 2: "child-2"}[n])
		},
	}
}

func testConfig() *models.Config {
	cfg := models.DefaultConfig()
	cfg.CaptureTrace = false
	cfg.EvalTimeout = time.Second
	cfg.LLMTimeout = time.Second
	cfg.SubcallTimeout = time.Second
	cfg.MaxDepth = 4
	cfg.MaxConcurrentSubcalls = 4
	return cfg
}

type chanCaller chan worker.Result

func (c chanCaller) Deliver(msg any) {
	if r, ok := msg.(worker.Result); ok {
		c <- r
	}
}

func waitResult(t *testing.T, ch chan worker.Result) worker.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return worker.Result{}
	}
}

func TestRunStartRootCompletesNormally(t *testing.T) {
	client := &queuedClient{responses: []string{`{"reasoning":"r","code":"answer"}`}}
	mock := interp.NewMock()
	mock.Register("answer", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "42"}}, nil
	})

	r := run.New("run_1", testConfig(), false, newTestDeps(client, mock))
	r.Start(context.Background())

	caller := make(chanCaller, 1)
	if _, err := r.StartRoot(run.StartOpts{Query: "q", Context: "c", Caller: caller}); err != nil {
		t.Fatalf("StartRoot: %v", err)
	}

	result := waitResult(t, caller)
	if !result.OK || result.Answer != "42" {
		t.Fatalf("unexpected result: %+v", result)
	}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected run to auto-shutdown after its only worker completed")
	}
}

func TestRunKeepAliveNeverAutoShutsDown(t *testing.T) {
	client := &queuedClient{}
	mock := interp.NewMock()

	r := run.New("run_2", testConfig(), true, newTestDeps(client, mock))
	r.Start(context.Background())

	if _, err := r.StartRoot(run.StartOpts{KeepAlive: true}); err != nil {
		t.Fatalf("StartRoot: %v", err)
	}

	select {
	case <-r.Done():
		t.Fatal("keep-alive run must not auto-shutdown while its session worker is alive")
	case <-time.After(300 * time.Millisecond):
	}

	r.Shutdown()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected explicit Shutdown to tear the run down")
	}
}

func TestRunPropagatesSubcallResultThroughRealChild(t *testing.T) {
	client := &queuedClient{responses: []string{
		`{"reasoning":"r","code":"spawn"}`,
		`{"reasoning":"r","code":"child_done"}`,
	}}
	mock := interp.NewMock()
	mock.Register("spawn", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		out, err := cb.SpawnSubcall(ctx, "child query", models.ModelSizeSmall)
		if err != nil {
			return interp.EvalResult{OK: false, ErrorOutput: err.Error(), OriginalBindings: bindings}, nil
		}
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": out}}, nil
	})
	mock.Register("child_done", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "hi from child"}}, nil
	})

	r := run.New("run_3", testConfig(), false, newTestDeps(client, mock))
	r.Start(context.Background())

	caller := make(chanCaller, 1)
	if _, err := r.StartRoot(run.StartOpts{Query: "q", Context: "c", Caller: caller}); err != nil {
		t.Fatalf("StartRoot: %v", err)
	}

	result := waitResult(t, caller)
	if !result.OK || result.Answer != "hi from child" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunRejectsStartAfterShutdown(t *testing.T) {
	r := run.New("run_4", testConfig(), true, newTestDeps(&queuedClient{}, interp.NewMock()))
	r.Start(context.Background())
	r.Shutdown()

	if _, err := r.StartRoot(run.StartOpts{KeepAlive: true}); err == nil {
		t.Fatal("expected StartRoot to fail once the run has shut down")
	}
}
