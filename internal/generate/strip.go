package generate

import (
	"regexp"
	"strings"
)

// maxStripPasses caps the stripping loop. Each pass removes at most one
// layer of artifacts; anything still wrapped five layers deep is not a
// real response.
const maxStripPasses = 5

var (
	// Models that saw history rendered as "[2026-01-15 14:30] Name: text"
	// sometimes echo the framing back. The timestamp pattern must match
	// the format history entries are rendered with.
	timestampPrefix = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}\]\s*`)

	// Stray structural tags, opening or closing, at either end of the
	// response. Models pick these up from serialized cross-channel blocks.
	leadingTag  = regexp.MustCompile(`(?i)^\s*</?(message|response|reply|output|channel_history|prior_conversations)>\s*`)
	trailingTag = regexp.MustCompile(`(?i)\s*</?(message|response|reply|output|channel_history|prior_conversations)>\s*$`)
)

// Strip removes prompt-format artifacts the model leaked into its
// response: echoed timestamps, speaker prefixes, stray structural tags.
// It iterates to a fixed point (bounded by maxStripPasses) so nested
// artifacts come off layer by layer, and running it on already-clean
// content returns it unchanged.
func Strip(content, personalityName string) string {
	out := strings.TrimSpace(content)

	for range maxStripPasses {
		next := stripOnce(out, personalityName)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func stripOnce(s, personalityName string) string {
	s = strings.TrimSpace(s)

	s = leadingTag.ReplaceAllString(s, "")
	s = trailingTag.ReplaceAllString(s, "")
	s = timestampPrefix.ReplaceAllString(s, "")

	// A response echoing its own speaker line ("Lilith: actual text").
	if personalityName != "" {
		if rest, ok := strings.CutPrefix(s, personalityName+":"); ok {
			s = rest
		}
	}

	return strings.TrimSpace(s)
}
