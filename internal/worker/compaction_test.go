package worker

import (
	"strings"
	"testing"

	"github.com/haasonsaas/rlmd/pkg/models"
)

func TestEstimateTokensIsCharsOverFour(t *testing.T) {
	history := []models.Message{{Content: "12345678"}}
	if got := estimateTokens(history); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestNeedsCompactionRequiresMoreThanTwoMessages(t *testing.T) {
	history := []models.Message{{Content: strings.Repeat("x", 10000)}, {Content: strings.Repeat("x", 10000)}}
	if needsCompaction(history, 100, 80) {
		t.Fatal("expected no compaction with only two messages, regardless of size")
	}
}

func TestNeedsCompactionTriggersAboveThreshold(t *testing.T) {
	history := []models.Message{
		{Content: "sys"},
		{Content: strings.Repeat("x", 1000)},
		{Content: strings.Repeat("x", 1000)},
	}
	if !needsCompaction(history, 100, 80) {
		t.Fatal("expected compaction above 80% of a 100-token window")
	}
}

func TestSerializeForCompactionSkipsSystemMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "system prompt"},
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "world"},
	}
	out := serializeForCompaction(history)
	if strings.Contains(out, "system prompt") {
		t.Fatal("expected system message to be excluded from compaction")
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Fatal("expected non-system messages in the serialized output")
	}
}
