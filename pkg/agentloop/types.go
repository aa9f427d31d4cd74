package agentloop

import (
	"strings"

	"github.com/idham/relay/pkg/toolrunner"
)

// Message is one turn in the model conversation.
type Message struct {
	Role       string                `json:"role"`
	Content    string                `json:"content"`
	ToolCalls  []toolrunner.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
}

// TokenUsage tracks token consumption for one run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from one completion into the run total.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChunkType classifies a streamed completion delta.
type ChunkType string

const (
	ChunkThinking ChunkType = "thinking"
	ChunkContent  ChunkType = "content"
)

// Chunk is one streamed delta from a completion service.
type Chunk struct {
	Type ChunkType
	Text string
}

// Profile represents credentials for one completion provider.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	Priority int    `json:"priority"`
}

// IsRetryableError reports whether a provider error is worth retrying:
// network resets, rate limits and server-side failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT", "connection reset", "connection refused",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
