package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/sweeper"
	"github.com/haasonsaas/rlmd/internal/supervisor"
	"github.com/haasonsaas/rlmd/pkg/models"
)

type nopClient struct{}

func (nopClient) Chat(ctx context.Context, messages []models.Message, model string, opts llm.ChatOpts) (llm.ChatResult, error) {
	return llm.ChatResult{}, nil
}

func TestNewAssemblesEveryComponent(t *testing.T) {
	cfg := supervisor.Config{
		LLM:          nopClient{},
		Interp:       interp.NewMock(),
		EngineConfig: models.DefaultConfig(),
		Sweeper:      sweeper.Config{Interval: time.Minute, TTL: time.Hour},
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.Engine() == nil {
		t.Fatal("expected a non-nil engine")
	}
	if sup.Bus() == nil {
		t.Fatal("expected a non-nil bus")
	}
	if sup.Registry() == nil {
		t.Fatal("expected a non-nil registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	sup.Shutdown()
}
