// Package llm provides the chat completion client used by the
// generation pipeline.
package llm

import (
	"context"
	"errors"
)

// ErrTimeout wraps invocation failures caused by the per-call deadline.
// The pipeline treats timeouts as terminal for the job rather than
// retrying a model that is already too slow.
var ErrTimeout = errors.New("llm invocation timed out")

// Message is one chat turn in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion invocation.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage reports provider-side token accounting when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completed invocation. ThinkingContent holds reasoning
// text the provider returned out of band (or inside <think> tags); it
// is kept for diagnostics and never shown to users.
type Response struct {
	Content         string
	ThinkingContent string
	ModelUsed       string
	Usage           *Usage
}

// Client invokes a chat completion model.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
