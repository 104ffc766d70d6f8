package llm

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema wraps a compiled JSON Schema plus the source used to compile
// it, so adapters can both validate a response and hand the raw JSON
// Schema document to a vendor API that wants to constrain generation
// directly (e.g. OpenAI's structured-output mode).
type Schema struct {
	Name     string
	Source   string
	compiled *jsonschema.Schema
}

// Validate checks v (already json.Unmarshal'd into a generic
// any) against the schema.
func (s *Schema) Validate(v any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	return s.compiled.Validate(v)
}

// defaultSchemaSource is the {reasoning, code} schema spec.md §4.5 and
// §6 mandate as the fallback when no caller schema is supplied.
const defaultSchemaSource = `{
	"type": "object",
	"properties": {
		"reasoning": {"type": "string"},
		"code": {"type": "string"}
	},
	"required": ["reasoning", "code"],
	"additionalProperties": true
}`

var (
	defaultSchemaOnce sync.Once
	defaultSchema     *Schema
	defaultSchemaErr  error
)

// DefaultSchema returns the compiled {reasoning, code} schema every
// LLM call without a caller-supplied schema is constrained to.
func DefaultSchema() (*Schema, error) {
	defaultSchemaOnce.Do(func() {
		defaultSchema, defaultSchemaErr = CompileSchema("rlm_default_response", defaultSchemaSource)
	})
	return defaultSchema, defaultSchemaErr
}

// CompileSchema compiles a caller-supplied JSON Schema document, as
// used by direct_query's schema parameter (spec.md §4.6).
func CompileSchema(name, source string) (*Schema, error) {
	compiled, err := jsonschema.CompileString(name, source)
	if err != nil {
		return nil, fmt.Errorf("llm: compile schema %q: %w", name, err)
	}
	return &Schema{Name: name, Source: source, compiled: compiled}, nil
}
