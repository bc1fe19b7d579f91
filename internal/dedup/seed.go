package dedup

import (
	"context"

	"github.com/lbds137/tzurot-sub012/internal/history"
)

// Seed populates the window from conversation history so the first
// attempt of a job is checked against what the personality already said
// in this channel. Only assistant entries are fingerprinted.
//
// A non-empty history that yields zero assistant messages almost always
// means a role-tagging bug upstream, not a quiet conversation; that case
// is logged at warning level with the role distribution so it can be
// spotted. An entirely empty history is normal and logged at debug.
func (d *Detector) Seed(ctx context.Context, entries []history.ConversationEntry) {
	if len(entries) == 0 {
		d.logger.Debug("dedup window seeded from empty history")
		return
	}

	roleCounts := make(map[string]int)
	seeded := 0

	// Walk oldest-first so Record leaves the newest output at index 0.
	for _, e := range entries {
		roleCounts[e.Role]++
		if e.Role != history.RoleAssistant || e.Content == "" {
			continue
		}
		d.Record(ctx, e.Content)
		seeded++
	}

	if seeded == 0 {
		d.logger.Warn("no assistant messages found in non-empty history",
			"historyLength", len(entries),
			"roleDistribution", roleCounts,
		)
		return
	}

	d.logger.Debug("dedup window seeded",
		"historyLength", len(entries),
		"assistantMessages", seeded,
		"windowSize", d.Len(),
	)
}
