package main

import (
	"context"
	"fmt"

	"github.com/haasonsaas/rlmd/internal/config"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/supervisor"
)

// noSandboxAvailable backs the bundled Mock interpreter's Default
// script: this module ships no real sandboxed interpreter, so every
// eval call reports that plainly instead of a Go panic or a silent
// no-op.
func noSandboxAvailable(ctx context.Context, bindings map[string]any, cb interp.Callbacks) (interp.EvalResult, error) {
	return interp.EvalResult{
		OK:               false,
		ErrorOutput:      "rlmd: no sandboxed interpreter is wired into this process; swap in a real interp.Interpreter to execute model-authored code",
		OriginalBindings: bindings,
	}, nil
}

// startSupervisor loads path and assembles a running Supervisor: the
// configured LLM adapter, the bundled scripted interpreter, the event
// bus, trace-log registry, and TTL sweeper, in that order. Callers
// must call the returned shutdown func before the process exits.
func startSupervisor(ctx context.Context, path string) (*supervisor.Supervisor, func(), error) {
	fileCfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	client, err := fileCfg.BuildLLMClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("build llm client: %w", err)
	}

	store, err := fileCfg.BuildTraceStore()
	if err != nil {
		return nil, nil, fmt.Errorf("build trace store: %w", err)
	}

	sandbox := interp.NewMock()
	sandbox.Default = noSandboxAvailable

	sup, err := supervisor.New(supervisor.Config{
		LLM:           client,
		Interp:        sandbox,
		Store:         store,
		PromptFiles:   fileCfg.PromptFiles(),
		EngineConfig:  fileCfg.ToEngineConfig(),
		BusBufferSize: fileCfg.BusBufferSize,
		Sweeper:       fileCfg.SweeperSettings(),
		Log:           fileCfg.ObservabilityLog(),
		Trace:         fileCfg.ObservabilityTrace(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("assemble supervisor: %w", err)
	}

	sup.Start(ctx)
	return sup, sup.Shutdown, nil
}
