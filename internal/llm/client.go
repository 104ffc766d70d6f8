// Package llm implements the LLM client adapter (spec.md §4.5,
// component C5): an opaque chat() operation the Worker calls
// synchronously, with JSON-schema-constrained structured output.
package llm

import (
	"context"
	"time"

	"github.com/haasonsaas/rlmd/pkg/models"
)

// ChatOpts carries the per-call options spec.md §4.5 and §6 describe:
// an optional caller schema (used by direct_query) that overrides the
// default {reasoning, code} schema, and the timeout to enforce.
type ChatOpts struct {
	// Schema, if non-nil, is the JSON Schema the response must match.
	// If nil, the adapter constrains the LLM to the default
	// {"reasoning": string, "code": string} schema.
	Schema *Schema

	// Timeout enforces config.llm_timeout; zero means use the
	// adapter's own default.
	Timeout time.Duration
}

// ChatResult is the success case of chat(): the raw text (JSON when a
// schema was requested) and token usage.
type ChatResult struct {
	Text  string
	Usage models.Usage
}

// Client is the opaque LLM client adapter interface every backend
// (Anthropic, OpenAI, Bedrock) implements. Chat is invoked
// synchronously from the Worker's iterate handler and blocks that
// handler until it returns; blocking is acceptable (spec.md §4.5).
// Only eval runs in its own concurrent unit; direct_query's Chat calls
// run on their own goroutine.
type Client interface {
	// Chat sends messages to model and returns the completion, or a
	// classified *taxonomy.Error on failure (transport, format, or a
	// timeout classified as transport per spec.md §7).
	Chat(ctx context.Context, messages []models.Message, model string, opts ChatOpts) (ChatResult, error)
}
