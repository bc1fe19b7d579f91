package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/memory"
)

func TestBuildSystemPrompt_FixedOrder(t *testing.T) {
	in := BuildInput{
		PersonalityName: "Emily",
		Character:       "You are Emily, a thoughtful librarian.",
		Environment: history.ChannelEnvironment{
			Kind:        history.KindGuild,
			GuildName:   "Book Club",
			ChannelName: "fiction",
		},
		Participants: []Participant{
			{Name: "Alice", Persona: "Collects first editions.", Active: true},
		},
		Memories: []memory.Document{
			{PageContent: "Alice prefers hardcovers."},
		},
		CrossChannel: []history.CrossChannelGroup{{
			Environment: history.ChannelEnvironment{Kind: history.KindDM},
			Messages: []history.CrossChannelMessage{
				{AuthorName: "Alice", Content: "any recommendations?", TokenCount: 5},
			},
		}},
		CrossChannelBudget: 100,
	}

	out := BuildSystemPrompt(in)

	markers := []string{
		"thoughtful librarian",
		"Book Club",
		"About the people here",
		"Things you remember",
		"<prior_conversations>",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(out, m)
		if idx < 0 {
			t.Fatalf("marker %q missing from prompt:\n%s", m, out)
		}
		if idx < last {
			t.Errorf("marker %q appears out of order", m)
		}
		last = idx
	}
}

func TestBuildSystemPrompt_EmptyBlocksSkipped(t *testing.T) {
	in := BuildInput{
		PersonalityName: "Emily",
		Character:       "You are Emily.",
		Environment:     history.ChannelEnvironment{Kind: history.KindDM},
	}

	out := BuildSystemPrompt(in)

	if strings.Contains(out, "\n\n\n") {
		t.Errorf("empty blocks left blank runs in prompt:\n%q", out)
	}
	if strings.Contains(out, "Things you remember") {
		t.Error("memories header rendered with no memories")
	}
	if strings.Contains(out, "prior_conversations") {
		t.Error("cross-channel block rendered with no groups")
	}
}

func TestFormatMemory(t *testing.T) {
	created := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		doc  memory.Document
		want string
	}{
		{"with date", memory.Document{PageContent: "likes tea", CreatedAt: created}, "[2026-02-14] likes tea"},
		{"without date", memory.Document{PageContent: "likes tea"}, "likes tea"},
		{"empty content", memory.Document{CreatedAt: created}, ""},
		{"whitespace trimmed", memory.Document{PageContent: "  likes tea \n"}, "likes tea"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatMemory(tt.doc); got != tt.want {
				t.Errorf("FormatMemory() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatParticipants_DisambiguationNote(t *testing.T) {
	// One known persona: no note.
	one := FormatParticipants([]Participant{
		{Name: "Alice", Persona: "Reader.", Active: true},
		{Name: "Bob", Active: false},
	})
	if strings.Contains(one, "replying to") {
		t.Errorf("disambiguation note rendered with a single persona:\n%s", one)
	}

	// Two known personas: note names the active speaker.
	two := FormatParticipants([]Participant{
		{Name: "Alice", Persona: "Reader.", Active: false},
		{Name: "Bob", Persona: "Writer.", Active: true},
	})
	if !strings.Contains(two, "was sent by Bob") {
		t.Errorf("expected disambiguation note naming Bob:\n%s", two)
	}
}

func TestFormatParticipants_NoPersonas(t *testing.T) {
	if out := FormatParticipants([]Participant{{Name: "Alice", Active: true}}); out != "" {
		t.Errorf("expected empty block, got %q", out)
	}
}

func TestFormatEnvironment(t *testing.T) {
	dm := FormatEnvironment(history.ChannelEnvironment{Kind: history.KindDM})
	if !strings.Contains(dm, "direct message") {
		t.Errorf("DM environment missing marker: %q", dm)
	}

	guild := FormatEnvironment(history.ChannelEnvironment{
		Kind:        history.KindGuild,
		GuildName:   "My <script> Server",
		ChannelName: "general",
		Topic:       "daily chat",
		ThreadName:  "book thread",
	})
	if strings.Contains(guild, "<script>") {
		t.Errorf("guild name not escaped: %q", guild)
	}
	for _, want := range []string{"#general", "daily chat", "book thread"} {
		if !strings.Contains(guild, want) {
			t.Errorf("guild environment missing %q: %q", want, guild)
		}
	}
}

func TestFormatEntry(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	entry := history.ConversationEntry{
		Role:       history.RoleUser,
		AuthorName: "Alice",
		Content:    "what do you think?",
		Timestamp:  ts,
		Metadata: &history.MessageMetadata{
			ReferencedMessages: []history.ReferencedMessage{{AuthorName: "Bob", Content: "read this"}},
			ImageDescriptions:  []string{"a dog-eared paperback"},
			Reactions:          []history.Reaction{{Emoji: "📚", Count: 3}},
		},
	}

	out := FormatEntry(entry, "Emily")

	if !strings.HasPrefix(out, "> Bob: read this\n") {
		t.Errorf("quoted message should lead the entry:\n%s", out)
	}
	if !strings.Contains(out, "[2026-03-05 14:30] Alice: what do you think?") {
		t.Errorf("speaker line malformed:\n%s", out)
	}
	if !strings.Contains(out, "[Image: a dog-eared paperback]") {
		t.Errorf("image description missing:\n%s", out)
	}
	if !strings.Contains(out, "(reactions: 📚 x3)") {
		t.Errorf("reactions missing:\n%s", out)
	}
}

func TestFormatEntry_AssistantUsesPersonalityName(t *testing.T) {
	entry := history.ConversationEntry{
		Role:       history.RoleAssistant,
		AuthorName: "webhook-4821",
		Content:    "Happy to help.",
	}
	out := FormatEntry(entry, "Emily")
	if !strings.HasPrefix(out, "Emily: ") {
		t.Errorf("assistant entry should speak as the personality:\n%s", out)
	}
}

func TestEscapeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"has <tags> inside", "has tags inside"},
		{"line\nbreak", "line break"},
		{"back`tick", "back'tick"},
		{"  spaced   out  ", "spaced out"},
	}
	for _, tt := range tests {
		if got := EscapeName(tt.in); got != tt.want {
			t.Errorf("EscapeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
