package diag

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteSink persists diagnostic records in SQLite.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates a sink using the given database connection and
// runs migrations.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("diagnostics migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS generation_diagnostics (
			job_id               TEXT NOT NULL PRIMARY KEY,
			personality_id       TEXT NOT NULL,
			channel_id           TEXT NOT NULL,
			user_id              TEXT NOT NULL,
			success              INTEGER NOT NULL,
			attempts             INTEGER NOT NULL,
			model                TEXT NOT NULL DEFAULT '',
			error                TEXT NOT NULL DEFAULT '',
			duplicate_method     TEXT NOT NULL DEFAULT '',
			max_similarity       REAL NOT NULL DEFAULT 0,
			max_similarity_index INTEGER NOT NULL DEFAULT -1,
			stripped_chars       INTEGER NOT NULL DEFAULT 0,
			prompt_tokens        INTEGER NOT NULL DEFAULT 0,
			completion_tokens    INTEGER NOT NULL DEFAULT 0,
			duration_ms          INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_personality
			ON generation_diagnostics (personality_id, created_at);
	`)
	return err
}

// Store inserts one record. Duplicate job IDs overwrite, so a re-run
// job keeps only its latest trail.
func (s *SQLiteSink) Store(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO generation_diagnostics (
			job_id, personality_id, channel_id, user_id,
			success, attempts, model, error,
			duplicate_method, max_similarity, max_similarity_index,
			stripped_chars, prompt_tokens, completion_tokens,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.PersonalityID, rec.ChannelID, rec.UserID,
		rec.Success, rec.Attempts, rec.Model, rec.Error,
		rec.DuplicateMethod, rec.MaxSimilarity, rec.MaxSimilarityIndex,
		rec.StrippedChars, rec.PromptTokens, rec.CompletionTokens,
		rec.DurationMs, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store diagnostics for %s: %w", rec.JobID, err)
	}
	return nil
}

var _ Sink = (*SQLiteSink)(nil)
