package rlm_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/pkg/models"
	"github.com/haasonsaas/rlmd/pkg/rlm"
)

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

func testConfig() *models.Config {
	cfg := models.DefaultConfig()
	cfg.CaptureTrace = false
	cfg.EvalTimeout = 500 * time.Millisecond
	cfg.LLMTimeout = time.Second
	cfg.SubcallTimeout = time.Second
	return cfg
}

func TestEngineRunReturnsFinalAnswer(t *testing.T) {
	client := &queuedClient{responses: []string{`{"reasoning":"r","code":"answer"}`}}
	mock := interp.NewMock()
	mock.Register("answer", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "42"}}, nil
	})

	engine := rlm.New(rlm.Deps{LLM: client, Interp: mock, Clock: clock.Real()}, testConfig())

	answer, runID, err := engine.Run(context.Background(), "some context", "what is it?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "42" {
		t.Fatalf("unexpected answer: %v", answer)
	}
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}
}

func TestEngineRunTimesOut(t *testing.T) {
	client := &queuedClient{responses: []string{
		`{"reasoning":"r","code":"slow"}`,
		`{"reasoning":"r","code":"slow"}`,
		`{"reasoning":"r","code":"slow"}`,
		`{"reasoning":"r","code":"slow"}`,
		`{"reasoning":"r","code":"slow"}`,
	}}
	mock := interp.NewMock()
	mock.Register("slow", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		<-ctx.Done()
		return interp.EvalResult{}, ctx.Err()
	})

	cfg := testConfig()
	cfg.EvalTimeout = 50 * time.Millisecond
	engine := rlm.New(rlm.Deps{LLM: client, Interp: mock, Clock: clock.Real()}, cfg)

	_, _, err := engine.Run(context.Background(), "ctx", "q")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !strings.Contains(err.Error(), "timed out after") {
		t.Fatalf("expected a total-timeout error, got %v", err)
	}
}

func TestEngineInteractiveSessionRoundTrip(t *testing.T) {
	client := &queuedClient{responses: []string{
		`{"reasoning":"r","code":"greet"}`,
	}}
	mock := interp.NewMock()
	mock.Register("greet", func(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
		return interp.EvalResult{OK: true, NewBindings: map[string]any{"final_answer": "hello"}}, nil
	})

	engine := rlm.New(rlm.Deps{LLM: client, Interp: mock, Clock: clock.Real()}, testConfig())

	sessionID, err := engine.StartSession(rlm.WithWorkDir("/tmp/rlm-session"))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	answer, err := engine.SendMessage(sessionID, "hi", time.Second)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if answer != "hello" {
		t.Fatalf("unexpected answer: %v", answer)
	}

	history, err := engine.History(sessionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected non-empty history after one turn")
	}

	status, err := engine.Status(sessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.KeepAlive {
		t.Fatal("expected status to report a keep-alive session")
	}
	if status.Cwd != "/tmp/rlm-session" {
		t.Fatalf("expected status to report the session's working directory, got %q", status.Cwd)
	}

	if err := engine.EndSession(sessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := engine.SendMessage(sessionID, "again", time.Second); err == nil {
		t.Fatal("expected SendMessage to fail after EndSession")
	}
}
