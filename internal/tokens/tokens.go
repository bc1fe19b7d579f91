// Package tokens estimates token counts for prompt budgeting. The
// estimator is a Unicode-aware heuristic, not a model tokenizer: it only
// has to be accurate enough that budgeted prompts stay under the model's
// context window with the configured safety margin. Callers that have a
// real token count (e.g. cached from a prior provider response) should
// prefer it and use estimation as the fallback.
package tokens

import (
	"fmt"
	"strings"
)

// perMessageOverhead approximates the framing tokens (role markers,
// separators) each chat message costs on top of its content.
const perMessageOverhead = 4

// EstimateText estimates the token count of text using a weighted
// character heuristic: ASCII runs average ~4 characters per token while
// non-ASCII (CJK, Cyrillic, emoji) averages ~1 character per token.
func EstimateText(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// EstimateMessage estimates the token count of a single chat message,
// including per-message framing overhead.
func EstimateMessage(content string) int {
	if content == "" {
		return 0
	}
	return EstimateText(content) + perMessageOverhead
}

// Stringify renders an arbitrary content value to text for counting.
// Structured content (attachment descriptors, embeds) is flattened to its
// string representation; counting the representation keeps the budget
// conservative without needing type-specific handling here.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case []string:
		return strings.Join(t, "\n")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// EstimateAny estimates the token count of arbitrary content by
// stringifying it first.
func EstimateAny(v any) int {
	return EstimateText(Stringify(v))
}
