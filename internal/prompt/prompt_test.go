package prompt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/rlmd/pkg/models"
)

func TestSystemMessageFallsBackWhenFileMissing(t *testing.T) {
	msg := SystemMessage(0, Files{RootPath: "/does/not/exist"})
	if msg.Role != models.RoleSystem {
		t.Fatalf("expected system role, got %q", msg.Role)
	}
	if msg.Content != fallbackRootSystemPrompt {
		t.Fatalf("expected root fallback, got %q", msg.Content)
	}
}

func TestSystemMessageUsesChildFallbackBelowRoot(t *testing.T) {
	msg := SystemMessage(2, Files{})
	if msg.Content != fallbackChildSystemPrompt {
		t.Fatalf("expected child fallback at depth > 0, got %q", msg.Content)
	}
}

func TestSystemMessageReadsFileWhenPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.txt")
	if err := os.WriteFile(path, []byte("custom root prompt"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	msg := SystemMessage(0, Files{RootPath: path})
	if msg.Content != "custom root prompt" {
		t.Fatalf("expected file content, got %q", msg.Content)
	}
}

func TestUserMessageNeverContainsRawContext(t *testing.T) {
	rawContext := "SECRET_RAW_CONTEXT_PAYLOAD"
	msg := UserMessage("what is in the data?", 12345, 10, "first few lines...")
	if strings.Contains(msg.Content, rawContext) {
		t.Fatal("user message must never contain the raw context string")
	}
	if !strings.Contains(msg.Content, "what is in the data?") {
		t.Fatal("expected query to appear in the user message")
	}
	if !strings.Contains(msg.Content, "12345") {
		t.Fatal("expected context_bytes to appear in the user message")
	}
}

func TestFeedbackMessageIsStructuredJSON(t *testing.T) {
	msg := FeedbackMessage(models.EvalStatusOK, "42\n", []models.BindingInfo{{Name: "x", Type: "int", Bytes: 8}}, false)

	var payload map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		t.Fatalf("feedback message content is not valid JSON: %v", err)
	}
	if payload["eval_status"] != "ok" {
		t.Fatalf("expected eval_status ok, got %v", payload["eval_status"])
	}
	if payload["stdout"] != "42\n" {
		t.Fatalf("expected stdout field, got %v", payload["stdout"])
	}
	if _, hasError := payload["error_output"]; hasError {
		t.Fatal("expected error_output to be omitted on an ok status")
	}
}

func TestFeedbackMessageErrorStatusUsesErrorOutput(t *testing.T) {
	msg := FeedbackMessage(models.EvalStatusError, "boom", nil, false)

	var payload map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		t.Fatalf("feedback message content is not valid JSON: %v", err)
	}
	if payload["error_output"] != "boom" {
		t.Fatalf("expected error_output field, got %v", payload["error_output"])
	}
	if _, hasStdout := payload["stdout"]; hasStdout {
		t.Fatal("expected stdout to be omitted on an error status")
	}
}

func TestCompactionAddendumIncludesPreview(t *testing.T) {
	msg := CompactionAddendum("summary of old turns")
	if !strings.Contains(msg.Content, "summary of old turns") {
		t.Fatal("expected preview to appear in compaction addendum")
	}
	if msg.Role != models.RoleUser {
		t.Fatalf("expected user role, got %q", msg.Role)
	}
}
