// Package memory retrieves long-term personality memories for prompt
// assembly. Retrieval is semantic: the current message is embedded and
// matched against stored memory vectors. A personality with no reachable
// memory backend simply converses without memories — retrieval failures
// never fail a generation.
package memory

import (
	"context"
	"time"
)

// Document is a retrieved memory. CreatedAt is zero when the source
// record carries no timestamp.
type Document struct {
	PageContent string
	CreatedAt   time.Time
	Score       float32
	Metadata    map[string]any
}

// Filter scopes a retrieval query.
type Filter struct {
	// PersonalityID scopes memories to one personality (required).
	PersonalityID string
	// UserID optionally scopes memories to one user's interactions.
	UserID string
	// MinScore drops results below this similarity (0 disables).
	MinScore float32
	// Limit caps the number of returned documents.
	Limit int
}

// Retriever finds memories relevant to a query.
type Retriever interface {
	RetrieveRelevant(ctx context.Context, query string, filter Filter) ([]Document, error)
}
