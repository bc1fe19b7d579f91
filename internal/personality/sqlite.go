package personality

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore persists personality and persona definitions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store using the given database connection
// and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("personality migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS personalities (
			id          TEXT NOT NULL PRIMARY KEY,
			name        TEXT NOT NULL,
			character   TEXT NOT NULL,
			model       TEXT NOT NULL DEFAULT '',
			max_output  INTEGER NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			cross_channel INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS personas (
			user_id     TEXT NOT NULL PRIMARY KEY,
			name        TEXT NOT NULL,
			pronouns    TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Personality returns the definition for an ID, or ErrNotFound.
func (s *SQLiteStore) Personality(ctx context.Context, id string) (*Personality, error) {
	p := &Personality{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, character, model, max_output, temperature, error_message, cross_channel
		FROM personalities
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Character, &p.Model, &p.MaxOutput, &p.Temperature, &p.ErrorMessage, &p.CrossChannel)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load personality %s: %w", id, err)
	}
	return p, nil
}

// PersonaForUser returns a user's persona, or (nil, nil) when they have
// not configured one.
func (s *SQLiteStore) PersonaForUser(ctx context.Context, userID string) (*Persona, error) {
	p := &Persona{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, pronouns, description
		FROM personas
		WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Name, &p.Pronouns, &p.Description)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load persona for %s: %w", userID, err)
	}
	return p, nil
}

// SavePersonality inserts or updates a personality definition.
func (s *SQLiteStore) SavePersonality(ctx context.Context, p *Personality) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personalities (id, name, character, model, max_output, temperature, error_message, cross_channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			character = excluded.character,
			model = excluded.model,
			max_output = excluded.max_output,
			temperature = excluded.temperature,
			error_message = excluded.error_message,
			cross_channel = excluded.cross_channel
	`, p.ID, p.Name, p.Character, p.Model, p.MaxOutput, p.Temperature, p.ErrorMessage, p.CrossChannel)
	if err != nil {
		return fmt.Errorf("save personality %s: %w", p.ID, err)
	}
	return nil
}

// SavePersona inserts or updates a user persona.
func (s *SQLiteStore) SavePersona(ctx context.Context, p *Persona) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (user_id, name, pronouns, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			pronouns = excluded.pronouns,
			description = excluded.description
	`, p.UserID, p.Name, p.Pronouns, p.Description)
	if err != nil {
		return fmt.Errorf("save persona for %s: %w", p.UserID, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
