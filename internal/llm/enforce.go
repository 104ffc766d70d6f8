package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/rlmd/internal/taxonomy"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// SchemaEnforcing wraps a backend Client that has no native
// structured-output mode (Anthropic and Bedrock's Converse API do not;
// OpenAI's does and bypasses this wrapper — see OpenAIAdapter). It
// appends a schema instruction to the outgoing messages and validates
// the response against the schema before returning it, surfacing a
// non-conforming response as a format error per spec.md §7 rather than
// handing the Worker unparseable JSON.
type SchemaEnforcing struct {
	Inner Client
}

// Chat implements Client.
func (s *SchemaEnforcing) Chat(ctx context.Context, messages []models.Message, model string, opts ChatOpts) (ChatResult, error) {
	schema := opts.Schema
	if schema == nil {
		var err error
		schema, err = DefaultSchema()
		if err != nil {
			return ChatResult{}, taxonomy.New(models.ClassFormat, "llm.chat", err)
		}
	}

	augmented := append(append([]models.Message{}, messages...), models.Message{
		Role:    models.RoleUser,
		Content: schemaInstruction(schema),
	})

	result, err := s.Inner.Chat(ctx, augmented, model, opts)
	if err != nil {
		return ChatResult{}, err
	}

	var parsed any
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		return ChatResult{}, taxonomy.New(models.ClassFormat, "llm.chat",
			fmt.Errorf("%w: response is not valid JSON: %v", taxonomy.ErrFormatInvalid, err))
	}
	if err := schema.Validate(parsed); err != nil {
		return ChatResult{}, taxonomy.New(models.ClassFormat, "llm.chat",
			fmt.Errorf("%w: %v", taxonomy.ErrFormatInvalid, err))
	}

	return result, nil
}

func schemaInstruction(schema *Schema) string {
	return "Respond with a single JSON object matching exactly this schema, and nothing else " +
		"(no prose, no markdown fences):\n" + schema.Source
}
