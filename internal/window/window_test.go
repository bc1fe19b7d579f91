package window

import (
	"strings"
	"testing"
	"time"

	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/memory"
)

// asciiText returns a string that estimates to exactly n tokens
// (4 ASCII chars per token).
func asciiText(n int) string {
	return strings.Repeat("abcd", n)
}

func entries(tokenCounts ...int) []history.ConversationEntry {
	out := make([]history.ConversationEntry, len(tokenCounts))
	for i, tc := range tokenCounts {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		out[i] = history.ConversationEntry{
			Role:       role,
			Content:    "message",
			TokenCount: tc,
		}
	}
	return out
}

func TestPlan_AllHistoryFits(t *testing.T) {
	// Context window 8000, system 500, current 50, memories 200 →
	// history budget 7250; ten 100-token messages all fit.
	m := NewManager(nil)

	systemPrompt := asciiText(500)
	currentMessage := asciiText(46) // +4 framing overhead = 50
	memories := []memory.Document{{PageContent: asciiText(200)}}

	sel := m.Plan(8000, systemPrompt, currentMessage, memories, entries(100, 100, 100, 100, 100, 100, 100, 100, 100, 100))

	if sel.Budget.SystemPrompt != 500 {
		t.Errorf("SystemPrompt = %d, want 500", sel.Budget.SystemPrompt)
	}
	if sel.Budget.CurrentMessage != 50 {
		t.Errorf("CurrentMessage = %d, want 50", sel.Budget.CurrentMessage)
	}
	if sel.Budget.Memory != 200 {
		t.Errorf("Memory = %d, want 200", sel.Budget.Memory)
	}
	if sel.Budget.HistoryBudget != 7250 {
		t.Errorf("HistoryBudget = %d, want 7250", sel.Budget.HistoryBudget)
	}
	if sel.Included != 10 || sel.Dropped != 0 {
		t.Errorf("included/dropped = %d/%d, want 10/0", sel.Included, sel.Dropped)
	}
	if sel.Budget.HistoryUsed != 1000 {
		t.Errorf("HistoryUsed = %d, want 1000", sel.Budget.HistoryUsed)
	}
}

func TestPlan_SaturatedWindow(t *testing.T) {
	// System prompt alone exceeds the window: empty selection, every
	// message dropped, no panic.
	m := NewManager(nil)

	sel := m.Plan(100, asciiText(500), "hi", nil, entries(10, 10, 10))

	if sel.Budget.HistoryBudget != 0 {
		t.Errorf("HistoryBudget = %d, want 0", sel.Budget.HistoryBudget)
	}
	if len(sel.Entries) != 0 {
		t.Errorf("expected empty selection, got %d entries", len(sel.Entries))
	}
	if sel.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", sel.Dropped)
	}
}

func TestPlan_EmptyHistory(t *testing.T) {
	m := NewManager(nil)
	sel := m.Plan(1000, "system", "current", nil, nil)

	if len(sel.Entries) != 0 || sel.Included != 0 || sel.Dropped != 0 {
		t.Errorf("empty history: got included=%d dropped=%d", sel.Included, sel.Dropped)
	}
	if sel.Budget.HistoryUsed != 0 {
		t.Errorf("HistoryUsed = %d, want 0", sel.Budget.HistoryUsed)
	}
}

func TestPlan_OversizedMessageExcludedWhole(t *testing.T) {
	// A single message larger than the whole budget is excluded, never
	// partially included.
	m := NewManager(nil)
	sel := m.Plan(200, asciiText(50), asciiText(50), nil, entries(100000))

	if sel.Included != 0 {
		t.Errorf("Included = %d, want 0", sel.Included)
	}
	if sel.Budget.HistoryUsed != 0 {
		t.Errorf("HistoryUsed = %d, want 0", sel.Budget.HistoryUsed)
	}
}

func TestPlan_SelectionIsMostRecentSuffix(t *testing.T) {
	// An oversized message mid-history ends the newest-first walk, so
	// older messages are dropped even if they would individually fit.
	m := NewManager(nil)

	hist := entries(10, 10, 100000, 10, 10)
	sel := m.Plan(1000, "", "", nil, hist)

	if sel.Included != 2 {
		t.Fatalf("Included = %d, want 2 (the suffix after the oversized message)", sel.Included)
	}
	// Chronological order restored: the two newest entries.
	if sel.Entries[0].TokenCount != 10 || sel.Entries[1].TokenCount != 10 {
		t.Errorf("unexpected selection: %+v", sel.Entries)
	}
	if sel.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", sel.Dropped)
	}
}

func TestPlan_BudgetInvariants(t *testing.T) {
	m := NewManager(nil)

	cases := []struct {
		name          string
		contextWindow int
		system        string
		current       string
		hist          []history.ConversationEntry
	}{
		{"tiny window", 10, asciiText(100), asciiText(100), entries(5, 5, 5)},
		{"roomy window", 10000, asciiText(10), asciiText(10), entries(50, 50, 50)},
		{"exact fit", 100, "", "", entries(100)},
		{"zero window", 0, "x", "y", entries(1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sel := m.Plan(tc.contextWindow, tc.system, tc.current, nil, tc.hist)
			b := sel.Budget

			if b.HistoryBudget < 0 || b.SystemPrompt < 0 || b.CurrentMessage < 0 || b.Memory < 0 {
				t.Errorf("negative budget field: %+v", b)
			}
			if b.HistoryUsed > b.HistoryBudget {
				t.Errorf("HistoryUsed %d exceeds HistoryBudget %d", b.HistoryUsed, b.HistoryBudget)
			}
			if sel.Included+sel.Dropped != len(tc.hist) {
				t.Errorf("included %d + dropped %d != history %d", sel.Included, sel.Dropped, len(tc.hist))
			}
		})
	}
}

func TestPlan_CachedTokenCountIsAuthoritative(t *testing.T) {
	// A wildly wrong cached count is still trusted over recomputation.
	m := NewManager(nil)

	hist := []history.ConversationEntry{{
		Role:       history.RoleUser,
		Content:    asciiText(100000),
		TokenCount: 1,
	}}

	sel := m.Plan(100, "", "", nil, hist)
	if sel.Included != 1 {
		t.Errorf("cached count ignored: included = %d, want 1", sel.Included)
	}
	if sel.Budget.HistoryUsed != 1 {
		t.Errorf("HistoryUsed = %d, want 1", sel.Budget.HistoryUsed)
	}
}

func TestPlan_MemoryCostUsesFormattedRepresentation(t *testing.T) {
	m := NewManager(nil)

	// Same page content, one with a date prefix: the dated one must cost
	// more because cost is computed from the formatted form.
	plain := m.Plan(10000, "", "", []memory.Document{{PageContent: asciiText(10)}}, nil)
	dated := m.Plan(10000, "", "", []memory.Document{{
		PageContent: asciiText(10),
		CreatedAt:   time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}}, nil)

	if dated.Budget.Memory <= plain.Budget.Memory {
		t.Errorf("dated memory cost %d should exceed plain cost %d",
			dated.Budget.Memory, plain.Budget.Memory)
	}
}
