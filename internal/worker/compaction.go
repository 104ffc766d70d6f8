package worker

import (
	"strings"

	"github.com/haasonsaas/rlmd/pkg/models"
)

// estimateTokens is the "characters ÷ 4" heuristic spec.md §4.7.1b
// calls out as intentionally inexact.
func estimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// needsCompaction reports whether history should be compacted before
// the next LLM call: more than two messages, and the estimated token
// count exceeds thresholdPercent of the model's context window.
func needsCompaction(history []models.Message, contextWindow, thresholdPercent int) bool {
	if len(history) <= 2 {
		return false
	}
	if contextWindow <= 0 {
		return false
	}
	limit := contextWindow * thresholdPercent / 100
	return estimateTokens(history) > limit
}

// serializeForCompaction renders every non-system message of history
// into the single string appended to the running compacted_history
// binding (spec.md §4.7.1b).
func serializeForCompaction(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// compactionPreviewLen bounds how much of the serialized history is
// echoed back to the model in the compaction addendum message.
const compactionPreviewLen = 500

func compactionPreview(serialized string) string {
	if len(serialized) <= compactionPreviewLen {
		return serialized
	}
	return serialized[:compactionPreviewLen]
}
