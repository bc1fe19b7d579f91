package prompt

import (
	"fmt"
	"strings"
)

// Participant is a conversation member as the prompt builder sees one.
// Persona is the user's stored self-description for this personality;
// empty means unknown. Active marks the author of the message being
// replied to.
type Participant struct {
	Name     string
	Pronouns string
	Persona  string
	Active   bool
}

// FormatParticipants renders the participant-personas block. Only
// participants with a known persona contribute. When more than one
// persona is present, a disambiguation note names the active speaker so
// the model does not conflate participants.
func FormatParticipants(participants []Participant) string {
	var blocks []string
	var activeName string
	known := 0

	for _, p := range participants {
		if p.Active {
			activeName = EscapeName(p.Name)
		}
		if p.Persona == "" {
			continue
		}
		known++

		header := "### " + EscapeName(p.Name)
		if p.Pronouns != "" {
			header += " (" + EscapeName(p.Pronouns) + ")"
		}
		blocks = append(blocks, header+"\n"+strings.TrimSpace(p.Persona))
	}

	if len(blocks) == 0 {
		return ""
	}

	out := "## About the people here\n" + strings.Join(blocks, "\n\n")
	if known > 1 && activeName != "" {
		out += fmt.Sprintf("\n\nThe message you are replying to was sent by %s.", activeName)
	}
	return out
}
