// Package diag records per-job generation diagnostics. Writes are
// fire-and-forget: a diagnostics failure must never delay or fail the
// reply the user is waiting on.
package diag

import (
	"context"
	"log/slog"
	"time"
)

// Record is the diagnostic trail of one generation job.
type Record struct {
	JobID         string
	PersonalityID string
	ChannelID     string
	UserID        string

	Success  bool
	Attempts int
	Model    string
	Error    string

	// Duplicate diagnostics from the final attempt's check.
	DuplicateMethod    string
	MaxSimilarity      float64
	MaxSimilarityIndex int

	// StrippedChars is how many characters artifact stripping removed.
	StrippedChars int

	PromptTokens     int
	CompletionTokens int

	DurationMs int64
	CreatedAt  time.Time
}

// Sink persists diagnostic records.
type Sink interface {
	Store(ctx context.Context, rec Record) error
}

// storeTimeout bounds a detached diagnostics write.
const storeTimeout = 10 * time.Second

// StoreDetached writes a record on a background goroutine. Errors and
// panics are logged and swallowed; the caller has already moved on.
// A nil sink is a no-op.
func StoreDetached(sink Sink, rec Record, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("diagnostics store panicked", "jobID", rec.JobID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if err := sink.Store(ctx, rec); err != nil {
			logger.Warn("diagnostics store failed", "jobID", rec.JobID, "error", err)
		}
	}()
}
