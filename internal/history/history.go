// Package history models and persists conversation transcripts. Entries
// are the raw material for prompt assembly: the context window manager
// reads them, the history formatter renders them, and generation attempts
// must clone them before enrichment so that retries never observe each
// other's mutations.
package history

import (
	"context"
	"time"
)

// Roles for conversation entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChannelKind discriminates where a conversation happened.
type ChannelKind string

const (
	// KindDM is a direct-message conversation.
	KindDM ChannelKind = "dm"
	// KindGuild is a conversation inside a server channel.
	KindGuild ChannelKind = "guild"
)

// ChannelEnvironment describes the place a conversation happened. Guild
// fields are populated only for KindGuild. All names originate from
// user-controlled Discord data and must be escaped before they are
// rendered into a prompt.
type ChannelEnvironment struct {
	Kind        ChannelKind `json:"kind"`
	GuildName   string      `json:"guild_name,omitempty"`
	ChannelName string      `json:"channel_name,omitempty"`
	Category    string      `json:"category,omitempty"`
	Topic       string      `json:"topic,omitempty"`
	ThreadName  string      `json:"thread_name,omitempty"`
}

// ReferencedMessage is a message quoted or replied to by an entry.
type ReferencedMessage struct {
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
}

// Reaction is an emoji reaction attached to an entry.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// MessageMetadata carries per-entry enrichments in their original order.
type MessageMetadata struct {
	ReferencedMessages []ReferencedMessage `json:"referenced_messages,omitempty"`
	ImageDescriptions  []string            `json:"image_descriptions,omitempty"`
	Reactions          []Reaction          `json:"reactions,omitempty"`
	VoiceTranscripts   []string            `json:"voice_transcripts,omitempty"`
}

// ConversationEntry is a single raw history item. TokenCount, when
// non-zero, is the cached authoritative count; zero means unknown and the
// consumer estimates instead.
type ConversationEntry struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	// UserID identifies the author for user entries, so personas can be
	// resolved for everyone visible in recent history. Empty for
	// assistant entries.
	UserID     string           `json:"user_id,omitempty"`
	AuthorName string           `json:"author_name,omitempty"`
	Content    string           `json:"content"`
	TokenCount int              `json:"token_count,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the entry, including nested metadata
// slices. Generation attempts enrich entries in place (e.g. injecting
// image descriptions), so every attempt must work on its own copy.
func (e ConversationEntry) Clone() ConversationEntry {
	out := e
	if e.Metadata != nil {
		md := MessageMetadata{}
		if len(e.Metadata.ReferencedMessages) > 0 {
			md.ReferencedMessages = make([]ReferencedMessage, len(e.Metadata.ReferencedMessages))
			copy(md.ReferencedMessages, e.Metadata.ReferencedMessages)
		}
		if len(e.Metadata.ImageDescriptions) > 0 {
			md.ImageDescriptions = make([]string, len(e.Metadata.ImageDescriptions))
			copy(md.ImageDescriptions, e.Metadata.ImageDescriptions)
		}
		if len(e.Metadata.Reactions) > 0 {
			md.Reactions = make([]Reaction, len(e.Metadata.Reactions))
			copy(md.Reactions, e.Metadata.Reactions)
		}
		if len(e.Metadata.VoiceTranscripts) > 0 {
			md.VoiceTranscripts = make([]string, len(e.Metadata.VoiceTranscripts))
			copy(md.VoiceTranscripts, e.Metadata.VoiceTranscripts)
		}
		out.Metadata = &md
	}
	return out
}

// CloneEntries deep-copies a slice of entries.
func CloneEntries(entries []ConversationEntry) []ConversationEntry {
	if entries == nil {
		return nil
	}
	out := make([]ConversationEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// CrossChannelMessage is one message inside a cross-channel group. The
// token count is always explicit here: cross-channel snippets are
// pre-counted at retrieval time so the serializer can budget without
// re-estimating.
type CrossChannelMessage struct {
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// CrossChannelGroup is an ordered snippet of conversation from another
// channel or DM, for personalities with cross-channel memory. Message
// order within a group is chronological.
type CrossChannelGroup struct {
	Environment ChannelEnvironment    `json:"environment"`
	Messages    []CrossChannelMessage `json:"messages"`
}

// Store persists and retrieves conversation history.
type Store interface {
	// Append records an entry for a channel/personality conversation.
	Append(ctx context.Context, channelID, personalityID string, entry ConversationEntry) error

	// Recent returns up to limit entries for a channel/personality pair,
	// oldest first.
	Recent(ctx context.Context, channelID, personalityID string, limit int) ([]ConversationEntry, error)

	// CrossChannel returns recent conversation snippets from other
	// channels the personality has spoken in, grouped by channel. Groups
	// are ordered most-recently-active first.
	CrossChannel(ctx context.Context, personalityID, excludeChannelID string, perChannel int) ([]CrossChannelGroup, error)
}
