package llm

import (
	"context"
	"testing"

	"github.com/haasonsaas/rlmd/internal/taxonomy"
	"github.com/haasonsaas/rlmd/pkg/models"
)

type fakeClient struct {
	text string
	err  error
}

func (f *fakeClient) Chat(ctx context.Context, messages []models.Message, model string, opts ChatOpts) (ChatResult, error) {
	if f.err != nil {
		return ChatResult{}, f.err
	}
	return ChatResult{Text: f.text, Usage: models.Usage{Known: true}}, nil
}

func TestSchemaEnforcingPassesThroughValidResponse(t *testing.T) {
	inner := &fakeClient{text: `{"reasoning":"because","code":"print(1)"}`}
	client := &SchemaEnforcing{Inner: inner}

	result, err := client.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}, "m", ChatOpts{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Text != inner.text {
		t.Fatalf("expected passthrough text, got %q", result.Text)
	}
}

func TestSchemaEnforcingRejectsNonJSON(t *testing.T) {
	inner := &fakeClient{text: "not json"}
	client := &SchemaEnforcing{Inner: inner}

	_, err := client.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}, "m", ChatOpts{})
	if err == nil {
		t.Fatal("expected a format error")
	}
	taxErr, ok := taxonomy.As(err)
	if !ok || taxErr.Class != models.ClassFormat {
		t.Fatalf("expected a format-classed error, got %+v", err)
	}
}

func TestSchemaEnforcingRejectsMissingRequiredField(t *testing.T) {
	inner := &fakeClient{text: `{"reasoning":"because"}`}
	client := &SchemaEnforcing{Inner: inner}

	_, err := client.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}, "m", ChatOpts{})
	if err == nil {
		t.Fatal("expected a format error for a missing required field")
	}
}

func TestSchemaEnforcingHonorsCallerSchema(t *testing.T) {
	schema, err := CompileSchema("custom", `{"type":"object","properties":{"answer":{"type":"number"}},"required":["answer"]}`)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	inner := &fakeClient{text: `{"answer": 42}`}
	client := &SchemaEnforcing{Inner: inner}

	result, err := client.Chat(context.Background(), nil, "m", ChatOpts{Schema: schema})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Text != `{"answer": 42}` {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestSchemaEnforcingPropagatesInnerError(t *testing.T) {
	wantErr := taxonomy.New(models.ClassTransport, "llm.chat", context.DeadlineExceeded)
	inner := &fakeClient{err: wantErr}
	client := &SchemaEnforcing{Inner: inner}

	_, err := client.Chat(context.Background(), nil, "m", ChatOpts{})
	if err != wantErr {
		t.Fatalf("expected inner error to propagate unchanged, got %v", err)
	}
}

func TestDefaultSchemaCompiles(t *testing.T) {
	schema, err := DefaultSchema()
	if err != nil {
		t.Fatalf("default schema: %v", err)
	}
	if err := schema.Validate(map[string]any{"reasoning": "x", "code": "y"}); err != nil {
		t.Fatalf("expected valid document to pass: %v", err)
	}
	if err := schema.Validate(map[string]any{"reasoning": "x"}); err == nil {
		t.Fatal("expected missing 'code' to fail validation")
	}
}
