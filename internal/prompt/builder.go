package prompt

import (
	"strings"

	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/memory"
)

// BuildInput carries everything the system prompt is assembled from.
type BuildInput struct {
	// PersonalityName is the display name the personality speaks as.
	PersonalityName string
	// Character is the personality's character/traits block, verbatim
	// from its configuration.
	Character string
	// Environment describes where the conversation is happening.
	Environment history.ChannelEnvironment
	// Participants are the conversation members, personas included.
	Participants []Participant
	// Memories are the retrieved memory documents, already filtered and
	// budgeted by the context window manager.
	Memories []memory.Document
	// CrossChannel holds prior-conversation groups for personalities
	// with cross-channel memory; nil otherwise.
	CrossChannel []history.CrossChannelGroup
	// CrossChannelBudget is the token budget for the cross-channel block.
	CrossChannelBudget int
}

// BuildSystemPrompt composes the full system prompt in fixed order:
// character, environment context, participant personas, memories,
// cross-channel history. Every sub-block formatter returns the empty
// string when it has nothing to contribute, so composition here is
// plain concatenation.
func BuildSystemPrompt(in BuildInput) string {
	blocks := []string{
		strings.TrimSpace(in.Character),
		FormatEnvironment(in.Environment),
		FormatParticipants(in.Participants),
		FormatMemoriesBlock(in.Memories),
		SerializeCrossChannel(in.CrossChannel, in.PersonalityName, in.CrossChannelBudget),
	}

	var parts []string
	for _, b := range blocks {
		if b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n")
}
