package router

// Wire types for the tool-invocation boundary (snake_case, stable).

import "github.com/continuum-ai/continuum/internal/dedup"

// FileIn is a file attachment submitted with a call.
type FileIn struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Content  []byte `json:"content"`
}

// Request is one stateless tool call.
//
// Notes:
// - ContinuationID absent means "start a new conversation thread".
// - Model is a pinned model name/alias, or empty/"auto" to let the registry decide.
type Request struct {
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Files          []FileIn       `json:"files,omitempty"`
	ContinuationID string         `json:"continuation_id,omitempty"`
	Model          string         `json:"model,omitempty"`

	// Metadata sets thread-level keys (e.g. thinking_mode) alongside the call.
	// Applied only after the call succeeds; later calls overwrite earlier values.
	Metadata map[string]string `json:"metadata,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response is the result of one call. ContinuationID is always set so the caller can
// continue the conversation on a later, otherwise-unrelated invocation.
type Response struct {
	Content        string     `json:"content"`
	ContinuationID string     `json:"continuation_id"`
	Model          string     `json:"model"`
	TokenUsage     TokenUsage `json:"token_usage"`

	// DroppedTurns reports how many whole history turns the budget excluded.
	DroppedTurns int `json:"dropped_turns,omitempty"`
}

func fileBlocks(files []FileIn) []dedup.FileBlock {
	if len(files) == 0 {
		return nil
	}
	out := make([]dedup.FileBlock, 0, len(files))
	for _, f := range files {
		out = append(out, dedup.FileBlock{Name: f.Name, MimeType: f.MimeType, Content: f.Content})
	}
	return out
}
