package models

// Role identifies the sender of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history. Insertion order across a
// slice of Messages is significant and preserved (spec.md §3).
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage carries nullable prompt/completion token counts returned by the
// LLM adapter (spec.md §4.5). Zero values are ambiguous with "unknown";
// Known reports whether the adapter actually populated these counts.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Known            bool `json:"known"`
}

// BindingInfo summarizes one entry of the opaque binding environment
// without exposing its value, per the "bindings_info" host callback
// (§4.6) and the feedback message's "bindings" field (§4.4).
type BindingInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Bytes int    `json:"bytes"`
}

// EvalStatus is the "eval_status" field of a feedback message (§4.4).
type EvalStatus string

const (
	EvalStatusOK      EvalStatus = "ok"
	EvalStatusError   EvalStatus = "error"
	EvalStatusSkipped EvalStatus = "skipped"
	EvalStatusNudge   EvalStatus = "nudge"
)
