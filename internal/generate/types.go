// Package generate runs the generation pipeline: resolve context,
// build the prompt, invoke the model, and retry past empty or repeated
// responses until something worth sending comes back.
package generate

import (
	"time"

	"github.com/lbds137/tzurot-sub012/internal/history"
)

// IncomingMessage is the user message a job responds to.
type IncomingMessage struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	UserID     string    `json:"user_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`

	Metadata *history.MessageMetadata `json:"metadata,omitempty"`
}

// JobPayload is one generation request as carried on the queue.
type JobPayload struct {
	JobID         string          `json:"job_id"`
	PersonalityID string          `json:"personality_id"`
	Message       IncomingMessage `json:"message"`
	// Environment describes the channel the message arrived in, captured
	// by the transport that enqueued the job.
	Environment history.ChannelEnvironment `json:"environment"`
}

// Metadata is the diagnostic trail attached to every result, success
// or not.
type Metadata struct {
	JobID        string `json:"job_id"`
	Model        string `json:"model,omitempty"`
	Attempts     int    `json:"attempts"`
	ProcessingMs int64  `json:"processing_ms"`

	DuplicateMethod    string  `json:"duplicate_method,omitempty"`
	MaxSimilarity      float64 `json:"max_similarity,omitempty"`
	MaxSimilarityIndex int     `json:"max_similarity_index,omitempty"`

	StrippedChars    int `json:"stripped_chars,omitempty"`
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`

	HistoryIncluded int `json:"history_included"`
	HistoryDropped  int `json:"history_dropped"`
	MemoriesUsed    int `json:"memories_used"`
}

// Result is the outcome of one job. Metadata is populated on every
// path, including failures.
//
// Error is internal and must never be shown to end users; UserError is
// the personality-flavored line transports may post instead.
type Result struct {
	Success   bool     `json:"success"`
	Content   string   `json:"content,omitempty"`
	Error     string   `json:"error,omitempty"`
	UserError string   `json:"user_error,omitempty"`
	Metadata  Metadata `json:"metadata"`
}
