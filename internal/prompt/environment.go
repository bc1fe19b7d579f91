package prompt

import (
	"fmt"
	"strings"

	"github.com/lbds137/tzurot-sub012/internal/history"
)

// FormatEnvironment renders the environment-context block describing
// where the conversation is taking place. Guild, channel, topic, and
// thread names are user-controlled and escaped before rendering.
func FormatEnvironment(env history.ChannelEnvironment) string {
	if env.Kind == history.KindDM {
		return "You are in a private direct message conversation."
	}

	var b strings.Builder
	b.WriteString("You are in the server \"")
	b.WriteString(EscapeName(env.GuildName))
	b.WriteString("\"")
	if env.ChannelName != "" {
		fmt.Fprintf(&b, ", channel #%s", EscapeName(env.ChannelName))
	}
	if env.Category != "" {
		fmt.Fprintf(&b, " (category: %s)", EscapeName(env.Category))
	}
	b.WriteString(".")
	if env.Topic != "" {
		fmt.Fprintf(&b, "\nChannel topic: %s", EscapeName(env.Topic))
	}
	if env.ThreadName != "" {
		fmt.Fprintf(&b, "\nYou are replying inside the thread \"%s\".", EscapeName(env.ThreadName))
	}
	return b.String()
}
