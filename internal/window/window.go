// Package window allocates the per-request token budget across system
// prompt, current message, memories, and conversation history, and
// selects the history subsequence that fits. This is the gatekeeper for
// everything that reaches the model: the budget invariants here
// (HistoryUsed <= HistoryBudget, no negative fields, no partial
// messages) are what keep prompts under the model's context window.
package window

import (
	"log/slog"

	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/memory"
	"github.com/lbds137/tzurot-sub012/internal/prompt"
	"github.com/lbds137/tzurot-sub012/internal/tokens"
)

// Budget is the per-request token ledger. HistoryBudget is derived:
// max(0, ContextWindow - SystemPrompt - CurrentMessage - Memory).
// HistoryUsed is filled in after selection and never exceeds
// HistoryBudget.
type Budget struct {
	ContextWindow  int
	SystemPrompt   int
	CurrentMessage int
	Memory         int
	HistoryBudget  int
	HistoryUsed    int
}

// Selection is the outcome of planning: the chosen history entries in
// chronological order plus the filled-in budget ledger.
type Selection struct {
	Budget  Budget
	Entries []history.ConversationEntry
	// Included and Dropped count history messages for observability.
	Included int
	Dropped  int
}

// Manager plans token budgets. It holds no per-request state; one
// Manager serves all jobs in a worker.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a budget manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "window")}
}

// Plan computes the token budget and selects the history that fits.
//
// History is walked newest-first; a message that would push usage over
// the history budget ends the walk — messages are included whole or not
// at all, so the selection is always a contiguous most-recent suffix.
// Cached token counts on entries are authoritative; estimation is the
// fallback. A non-positive history budget is an expected degenerate case
// (personality plus memories already saturate the window) and yields an
// empty selection with a warning, not an error.
func (m *Manager) Plan(contextWindow int, systemPrompt string, currentMessage any, memories []memory.Document, hist []history.ConversationEntry) Selection {
	b := Budget{
		ContextWindow:  contextWindow,
		SystemPrompt:   tokens.EstimateText(systemPrompt),
		CurrentMessage: tokens.EstimateMessage(tokens.Stringify(currentMessage)),
		Memory:         memoryCost(memories),
	}

	b.HistoryBudget = contextWindow - b.SystemPrompt - b.CurrentMessage - b.Memory
	if b.HistoryBudget < 0 {
		b.HistoryBudget = 0
	}

	if b.HistoryBudget == 0 {
		if len(hist) > 0 {
			m.logger.Warn("history budget exhausted before selection",
				"contextWindow", contextWindow,
				"systemPromptTokens", b.SystemPrompt,
				"currentMessageTokens", b.CurrentMessage,
				"memoryTokens", b.Memory,
				"droppedMessages", len(hist),
			)
		}
		return Selection{Budget: b, Dropped: len(hist)}
	}

	// Walk newest-first, accumulating whole messages until the next one
	// would not fit.
	var selected []history.ConversationEntry
	used := 0
	for i := len(hist) - 1; i >= 0; i-- {
		cost := entryCost(hist[i])
		if used+cost > b.HistoryBudget {
			break
		}
		used += cost
		selected = append(selected, hist[i])
	}

	// Selection was accumulated newest-first; restore chronological order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	b.HistoryUsed = used

	sel := Selection{
		Budget:   b,
		Entries:  selected,
		Included: len(selected),
		Dropped:  len(hist) - len(selected),
	}

	m.logger.Debug("history selected",
		"included", sel.Included,
		"dropped", sel.Dropped,
		"historyTokensUsed", used,
		"historyBudget", b.HistoryBudget,
	)

	return sel
}

// entryCost returns the token cost of a history entry: the cached count
// when present, an estimate otherwise.
func entryCost(e history.ConversationEntry) int {
	if e.TokenCount > 0 {
		return e.TokenCount
	}
	return tokens.EstimateMessage(e.Content)
}

// memoryCost sums the token cost of each memory's formatted (not raw)
// representation, since the formatted form is what enters the prompt.
func memoryCost(memories []memory.Document) int {
	total := 0
	for _, doc := range memories {
		if formatted := prompt.FormatMemory(doc); formatted != "" {
			total += tokens.EstimateText(formatted)
		}
	}
	return total
}
