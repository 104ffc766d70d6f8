// Package interp defines the interpreter adapter boundary (spec.md
// §4.6, component C6): an opaque black box that executes a program
// string against a binding environment and exposes three host-callback
// slots the program may invoke. The concrete sandboxed interpreter is
// explicitly out of scope (spec.md §1) — this package defines only the
// interface the Worker consumes, plus a Mock implementation used by
// this module's own tests and by callers that haven't wired a real
// sandbox yet.
package interp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/rlmd/pkg/models"
)

// Callbacks are the three host-callback slots the adapter installs
// into the program's execution environment (spec.md §4.6). Every
// callback forwards synchronously to the owning worker; the adapter
// itself decides no policy on admission or routing.
type Callbacks struct {
	// SpawnSubcall implements spawn_subcall(text, model_size). Blocking.
	SpawnSubcall func(ctx context.Context, text string, modelSize models.ModelSize) (string, error)

	// DirectQuery implements direct_query(text, model_size, schema).
	// schema is the caller-supplied raw JSON Schema document, or nil to
	// use the LLM adapter's default schema. Blocking.
	DirectQuery func(ctx context.Context, text string, modelSize models.ModelSize, schema json.RawMessage) (json.RawMessage, error)

	// BindingsInfo implements bindings_info().
	BindingsInfo func() []models.BindingInfo
}

// EvalOpts carries per-call evaluation options.
type EvalOpts struct {
	// Timeout enforces config.eval_timeout (spec.md §4.6d).
	Timeout time.Duration

	// WorkDir is the per-session working directory the adapter should
	// execute program in (spec.md §6). Empty means the adapter's own
	// default.
	WorkDir string

	Callbacks Callbacks
}

// EvalResult is the outcome of one Eval call. Exactly one of the two
// shapes spec.md §4.6 defines is populated, discriminated by OK:
// {ok, stdout, value, new_bindings} when OK, {error_output,
// original_bindings} when not.
type EvalResult struct {
	OK bool

	// Populated when OK.
	Stdout      string
	Value       any
	NewBindings map[string]any

	// Populated when !OK. The interpreter never leaks a raw exception;
	// any failure is converted to this textual form (spec.md §4.6c).
	ErrorOutput      string
	OriginalBindings map[string]any
}

// Interpreter is the opaque adapter the Worker's async eval task calls.
type Interpreter interface {
	// Eval executes program against bindings. It must enforce
	// opts.Timeout and never panic or leak a raw exception to the
	// caller; a program that fails or a deadline that expires both
	// surface as an !OK EvalResult, never a returned error. Eval itself
	// returning a non-nil error is reserved for adapter-level failures
	// (e.g. the sandbox process crashed) that the Worker treats as an
	// eval-task crash per spec.md §7.
	Eval(ctx context.Context, program string, bindings map[string]any, opts EvalOpts) (EvalResult, error)
}
