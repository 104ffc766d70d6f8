// Package taxonomy defines the sentinel errors and structured error
// wrapper shared across the execution substrate (spec.md §7's error
// taxonomy: admission, budget, transport, format, evaluation,
// eval-crash, worker-crash).
package taxonomy

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/rlmd/pkg/models"
)

// Sentinel errors for the conditions spec.md §7 names explicitly.
// Of these, only ErrLLMTimeout and ErrFormatInvalid (wrapped by the LLM
// adapters) and ErrWorkerBusy (returned by the worker's host callbacks)
// are produced in this module, so errors.Is matches only those; the
// other conditions reach callers as plain reason strings. Callers that
// only need the broad category use As(err) and read the Error's Class.
var (
	ErrMaxIterations    = errors.New("rlm: max iterations exceeded")
	ErrMaxDepth         = errors.New("rlm: max depth exceeded")
	ErrConcurrencyLimit = errors.New("rlm: max concurrent subcalls exceeded")
	ErrEvalTimeout      = errors.New("rlm: eval timed out")
	ErrLLMTimeout       = errors.New("rlm: llm request timed out")
	ErrSubcallTimeout   = errors.New("rlm: subcall timed out")
	ErrRunTimeout       = errors.New("rlm: run exceeded its total timeout")
	ErrFormatInvalid    = errors.New("rlm: llm response did not match the required schema")
	ErrWorkerCrashed    = errors.New("rlm: worker crashed")
	ErrWorkerBusy       = errors.New("rlm: worker is not accepting new messages")
)

// Error is a structured, classified error carrying the taxonomy class
// (for programmatic branching, e.g. "is this retryable"), the
// component it originated in, and the underlying cause. It mirrors the
// shape of a tool execution error: a category, a human-readable
// message, and an unwrap chain, used consistently across the adapters
// and the worker/run actors instead of ad hoc fmt.Errorf chains.
type Error struct {
	Class   models.TaxonomyClass
	Op      string // the operation that failed, e.g. "llm.chat", "worker.eval"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Class, e.Op, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %v", e.Class, e.Op, e.Cause)
	}
	return fmt.Sprintf("[%s:%s]", e.Class, e.Op)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified Error wrapping cause.
func New(class models.TaxonomyClass, op string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Class: class, Op: op, Message: msg, Cause: cause}
}

// Newf builds a classified Error with a formatted message and no
// underlying cause.
func Newf(class models.TaxonomyClass, op, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err's class suggests a retry of the same
// operation might succeed. Only transport failures are retryable in
// this taxonomy; budget, format, and crash classes never are, since
// retrying with the same input reproduces the same outcome.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Class == models.ClassTransport
	}
	return false
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var te *Error
	ok := errors.As(err, &te)
	return te, ok
}
