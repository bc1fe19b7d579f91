// Package personality manages AI personality definitions and the user
// personas shown to them. A personality is the character a channel
// talks to; a persona is how a user presents themselves to it.
package personality

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a personality ID has no definition.
var ErrNotFound = errors.New("personality not found")

// Personality is one configured AI character.
type Personality struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Character is the character definition placed at the top of the
	// system prompt.
	Character string `json:"character"`
	// Model names the chat model this personality uses. Empty falls
	// back to the configured default.
	Model string `json:"model,omitempty"`
	// MaxOutput caps completion length in tokens. Zero means provider default.
	MaxOutput int `json:"max_output,omitempty"`
	// Temperature overrides sampling temperature. Zero means provider default.
	Temperature float64 `json:"temperature,omitempty"`
	// ErrorMessage is the in-character line shown to users when
	// generation fails. Empty falls back to a generic line.
	ErrorMessage string `json:"error_message,omitempty"`
	// CrossChannel lets prompts include recent snippets from the
	// personality's other channels.
	CrossChannel bool `json:"cross_channel,omitempty"`
}

// Persona is a user's self-description, included in prompts so the
// personality knows who it is talking to.
type Persona struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Pronouns    string `json:"pronouns,omitempty"`
	Description string `json:"description,omitempty"`
}

// Store provides personality and persona lookups.
type Store interface {
	// Personality returns the definition for an ID, or ErrNotFound.
	Personality(ctx context.Context, id string) (*Personality, error)
	// PersonaForUser returns the persona a user configured, or
	// (nil, nil) when they have none. Missing personas are normal.
	PersonaForUser(ctx context.Context, userID string) (*Persona, error)
}
