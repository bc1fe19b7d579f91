package prompt

import (
	"fmt"
	"strings"

	"github.com/lbds137/tzurot-sub012/internal/history"
)

// entryTimeFormat is the timestamp bracket prefix on each history line.
// The artifact stripper knows this shape; keep them in sync.
const entryTimeFormat = "2006-01-02 15:04"

// FormatEntry renders a raw history entry into the structured markup the
// model sees. Quoted messages come first, then the speaker line, then
// attachments (image descriptions, voice transcripts) and reactions in
// their original order of appearance.
func FormatEntry(e history.ConversationEntry, personalityName string) string {
	var b strings.Builder

	if e.Metadata != nil {
		for _, ref := range e.Metadata.ReferencedMessages {
			fmt.Fprintf(&b, "> %s: %s\n", EscapeName(ref.AuthorName), strings.TrimSpace(ref.Content))
		}
	}

	speaker := e.AuthorName
	if e.Role == history.RoleAssistant {
		speaker = personalityName
	}
	speaker = EscapeName(speaker)

	if e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "%s: %s", speaker, e.Content)
	} else {
		fmt.Fprintf(&b, "[%s] %s: %s", e.Timestamp.UTC().Format(entryTimeFormat), speaker, e.Content)
	}

	if e.Metadata != nil {
		for _, desc := range e.Metadata.ImageDescriptions {
			fmt.Fprintf(&b, "\n[Image: %s]", strings.TrimSpace(desc))
		}
		for _, transcript := range e.Metadata.VoiceTranscripts {
			fmt.Fprintf(&b, "\n[Voice message: %s]", strings.TrimSpace(transcript))
		}
		if len(e.Metadata.Reactions) > 0 {
			var parts []string
			for _, r := range e.Metadata.Reactions {
				if r.Count > 1 {
					parts = append(parts, fmt.Sprintf("%s x%d", r.Emoji, r.Count))
				} else {
					parts = append(parts, r.Emoji)
				}
			}
			fmt.Fprintf(&b, "\n(reactions: %s)", strings.Join(parts, ", "))
		}
	}

	return b.String()
}
