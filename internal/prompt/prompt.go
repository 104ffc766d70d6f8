// Package prompt implements the prompt assembler (spec.md §4.4,
// component C7): pure functions building the system prompt, user
// message, structured feedback message, and compaction addendum the
// Worker sends to the LLM adapter. None of these read program state —
// every input is a parameter — so they need no mutable receiver.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/haasonsaas/rlmd/pkg/models"
)

const (
	fallbackRootSystemPrompt = `You control a REPL that holds a large body of context too big to paste ` +
		`into this conversation. Each turn, reply with a JSON object {"reasoning": string, "code": string}. ` +
		`Write code that inspects the "context" binding to answer the user's query. When you have the final ` +
		`answer, assign it to the "final_answer" binding; a non-null value there ends the session.`

	fallbackChildSystemPrompt = `You are a nested sub-query worker spawned by a parent session. You do not ` +
		`have the original context; work only from the query you were given. Reply with a JSON object ` +
		`{"reasoning": string, "code": string}. Assign your answer to "final_answer" when done.`
)

// Files names the two system-prompt files loaded once per worker start
// (spec.md §6 "System-prompt files"). A zero value Files uses the
// hard-coded fallback for both depths.
type Files struct {
	RootPath  string
	ChildPath string
}

// SystemMessage returns the system-role message for a worker at depth.
// depth 0 loads RootPath; depth > 0 loads ChildPath. If the file is
// empty or unreadable, a hard-coded fallback is used (spec.md §4.4,
// §6).
func SystemMessage(depth int, files Files) models.Message {
	path := files.ChildPath
	fallback := fallbackChildSystemPrompt
	if depth == 0 {
		path = files.RootPath
		fallback = fallbackRootSystemPrompt
	}

	content := fallback
	if path != "" {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			content = string(data)
		}
	}

	return models.Message{Role: models.RoleSystem, Content: content}
}

// UserMessage builds the initial user-role message for a turn. It
// carries the query and metadata about the context size but never the
// raw context string itself (invariant 1 of spec.md §3/§8 — the raw
// context must appear in zero outbound LLM messages).
func UserMessage(query string, contextBytes, contextLines int, contextPreview string) models.Message {
	content := fmt.Sprintf(
		"Query: %s\n\nThe \"context\" binding holds %d bytes across %d lines. Preview of its start:\n%s",
		query, contextBytes, contextLines, contextPreview,
	)
	return models.Message{Role: models.RoleUser, Content: content}
}

// feedbackPayload is the JSON object every feedback message's content
// is (spec.md §4.4): the structured form downstream LLMs parse, not
// free text.
type feedbackPayload struct {
	EvalStatus     models.EvalStatus    `json:"eval_status"`
	Stdout         string               `json:"stdout,omitempty"`
	ErrorOutput    string               `json:"error_output,omitempty"`
	Bindings       []models.BindingInfo `json:"bindings"`
	FinalAnswerSet bool                 `json:"final_answer_set"`
}

// FeedbackMessage builds the user-role message reporting one
// iteration's eval outcome back to the LLM. Exactly one of output
// (stdout) or errorOutput is populated depending on status; the other
// is omitted from the JSON entirely via omitempty.
func FeedbackMessage(status models.EvalStatus, output string, bindings []models.BindingInfo, finalAnswerSet bool) models.Message {
	payload := feedbackPayload{
		EvalStatus:     status,
		Bindings:       bindings,
		FinalAnswerSet: finalAnswerSet,
	}
	if status == models.EvalStatusError {
		payload.ErrorOutput = output
	} else {
		payload.Stdout = output
	}

	content, err := json.Marshal(payload)
	if err != nil {
		// json.Marshal only fails on unsupported types (channels,
		// funcs, cyclic maps); feedbackPayload contains none, so this
		// is unreachable in practice. Fall back to a minimal valid
		// payload rather than propagate an error from a pure function.
		content = []byte(fmt.Sprintf(`{"eval_status":%q,"bindings":[],"final_answer_set":%v}`, status, finalAnswerSet))
	}

	return models.Message{Role: models.RoleUser, Content: string(content)}
}

// CompactionAddendum builds the user-role message announcing history
// compaction, including a preview of what was compacted away (spec.md
// §4.4, §4.7b).
func CompactionAddendum(preview string) models.Message {
	content := fmt.Sprintf(
		"Your conversation history was compacted to stay within the model's context window. "+
			"A preview of what was summarized:\n%s", preview,
	)
	return models.Message{Role: models.RoleUser, Content: content}
}
