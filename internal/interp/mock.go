package interp

import (
	"context"
	"fmt"
	"sync"
)

// Script is a scripted program body used by Mock: given the bindings
// the Worker handed in and the callbacks installed for this eval, it
// returns the EvalResult (or error, to simulate an eval-task crash)
// this one program "execution" produces. Tests register a Script per
// program string so a Worker/Run integration test can exercise
// spawn_subcall/direct_query without a real sandboxed language.
type Script func(ctx context.Context, bindings map[string]any, cb Callbacks) (EvalResult, error)

// Mock is an in-process Interpreter test double. It never actually
// executes the program text as code; it looks the program string up in
// a table of registered Scripts and runs the matching closure. This is
// the adapter this module uses for its own tests and is what a real
// sandboxed interpreter (explicitly out of scope per spec.md §1) would
// be swapped in for.
type Mock struct {
	mu      sync.RWMutex
	scripts map[string]Script
	// Default runs when no script matches the program text; a nil
	// Default makes an unregistered program an adapter-level error.
	Default Script
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{scripts: make(map[string]Script)}
}

// Register associates program with script. Eval dispatches to the most
// recently registered script for an exact program-text match.
func (m *Mock) Register(program string, script Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[program] = script
}

// Eval implements Interpreter.
func (m *Mock) Eval(ctx context.Context, program string, bindings map[string]any, opts EvalOpts) (EvalResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	m.mu.RLock()
	script, ok := m.scripts[program]
	if !ok {
		script = m.Default
	}
	m.mu.RUnlock()

	if script == nil {
		return EvalResult{}, fmt.Errorf("interp: mock: no script registered for program %q", program)
	}

	done := make(chan struct{})
	var result EvalResult
	var err error
	go func() {
		defer close(done)
		result, err = script(ctx, bindings, opts.Callbacks)
	}()

	select {
	case <-done:
		if err != nil && ctx.Err() != nil {
			// The script gave up because its context ended; report it
			// the same way as the ctx.Done branch below.
			return EvalResult{OK: false, ErrorOutput: "eval timed out: " + ctx.Err().Error(), OriginalBindings: bindings}, nil
		}
		return result, err
	case <-ctx.Done():
		// A timeout is a normal evaluation outcome, not an adapter
		// crash: it surfaces as an !OK result, per spec.md §4.6d.
		return EvalResult{OK: false, ErrorOutput: "eval timed out: " + ctx.Err().Error(), OriginalBindings: bindings}, nil
	}
}

// EchoScript is a ready-made Script useful in tests: it returns OK with
// Stdout set to the given string and the bindings it was handed
// returned unchanged as NewBindings, simulating a no-op evaluation.
func EchoScript(stdout string) Script {
	return func(ctx context.Context, bindings map[string]any, cb Callbacks) (EvalResult, error) {
		return EvalResult{OK: true, Stdout: stdout, NewBindings: bindings}, nil
	}
}
