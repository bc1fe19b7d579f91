package prompt

import (
	"fmt"
	"strings"

	"github.com/lbds137/tzurot-sub012/internal/history"
)

// SerializeCrossChannel merges conversation snippets from other channels
// into a single budgeted block for personalities with cross-channel
// memory. The budget is a global running total across all groups:
// messages are included in input order until one would exceed it, at
// which point serialization stops for that group and every group after
// it. Messages are dropped whole, never truncated.
//
// Returns the empty string when the budget is zero or nothing fits.
func SerializeCrossChannel(groups []history.CrossChannelGroup, personalityName string, budget int) string {
	if budget <= 0 || len(groups) == 0 {
		return ""
	}

	var blocks []string
	used := 0
	exhausted := false

	for _, group := range groups {
		if exhausted {
			break
		}

		var lines []string
		for _, msg := range group.Messages {
			if used+msg.TokenCount > budget {
				exhausted = true
				break
			}
			used += msg.TokenCount
			lines = append(lines, fmt.Sprintf("%s: %s", EscapeName(msg.AuthorName), msg.Content))
		}

		if len(lines) == 0 {
			continue
		}

		blocks = append(blocks, strings.Join([]string{
			"<channel_history>",
			formatLocation(group.Environment),
			strings.Join(lines, "\n"),
			"</channel_history>",
		}, "\n"))
	}

	if len(blocks) == 0 {
		return ""
	}

	return "<prior_conversations>\n" + strings.Join(blocks, "\n") + "\n</prior_conversations>"
}

// formatLocation renders a group's location marker. DMs get a generic
// marker with no identifying detail; guild locations name the escaped
// server and channel.
func formatLocation(env history.ChannelEnvironment) string {
	if env.Kind == history.KindDM {
		return `<location type="dm"/>`
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<location server=%q channel=%q`, EscapeName(env.GuildName), EscapeName(env.ChannelName))
	if env.Category != "" {
		fmt.Fprintf(&b, ` category=%q`, EscapeName(env.Category))
	}
	b.WriteString("/>")
	return b.String()
}
