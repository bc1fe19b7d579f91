// Package discord bridges Discord to the generation pipeline using
// discordgo. Incoming messages become queued generation jobs; results
// come back over the queue's reply lists and are posted as replies,
// split to respect Discord's message length limit.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lbds137/tzurot-sub012/internal/config"
	"github.com/lbds137/tzurot-sub012/internal/events"
	"github.com/lbds137/tzurot-sub012/internal/generate"
	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/queue"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// EnvironmentStore records where each channel's conversation happens,
// for cross-channel location rendering.
type EnvironmentStore interface {
	SetEnvironment(ctx context.Context, channelID string, env history.ChannelEnvironment) error
}

// Bridge connects a Discord bot account to the job queue.
type Bridge struct {
	cfg     config.DiscordConfig
	queue   *queue.Queue
	envs    EnvironmentStore
	bus     *events.Bus
	logger  *slog.Logger
	session *discordgo.Session
}

// New creates a bridge. Connect must be called before messages flow.
func New(cfg config.DiscordConfig, q *queue.Queue, envs EnvironmentStore, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		queue:  q,
		envs:   envs,
		bus:    bus,
		logger: logger.With("component", "discord"),
	}
}

// Connect opens the Discord gateway connection.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + b.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(b.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	b.session = session
	user := session.State.User
	b.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Close shuts down the gateway connection.
func (b *Bridge) Close() error {
	if b.session == nil {
		return nil
	}
	b.logger.Info("disconnecting")
	return b.session.Close()
}

// personalityFor resolves the personality bound to a channel. Empty
// means the channel is not bound and the message is ignored.
func (b *Bridge) personalityFor(channelID string) string {
	if id, ok := b.cfg.ChannelPersonalities[channelID]; ok {
		return id
	}
	return b.cfg.DefaultPersonality
}

// onMessageCreate turns a Discord message into a generation job. The
// handler returns immediately; the enqueue/wait/reply cycle runs on its
// own goroutine so the gateway reader is never blocked.
func (b *Bridge) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	personalityID := b.personalityFor(m.ChannelID)
	if personalityID == "" {
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDiscord,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"channel_id":  m.ChannelID,
			"author":      m.Author.Username,
			"message_len": len(m.Content),
		},
	})

	env := b.captureEnvironment(s, m)
	payload := buildPayload(m, personalityID, env)

	go b.handle(payload, m)
}

// handle runs one message's enqueue/wait/reply cycle.
func (b *Bridge) handle(payload generate.JobPayload, m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ReplyTimeout()+30*time.Second)
	defer cancel()

	if b.envs != nil {
		if err := b.envs.SetEnvironment(ctx, m.ChannelID, payload.Environment); err != nil {
			b.logger.Warn("environment not recorded", "channelID", m.ChannelID, "error", err)
		}
	}

	if err := b.session.ChannelTyping(m.ChannelID); err != nil {
		b.logger.Debug("typing indicator failed", "channelID", m.ChannelID, "error", err)
	}

	jobID, err := b.queue.Enqueue(ctx, payload)
	if err != nil {
		b.logger.Error("enqueue failed", "channelID", m.ChannelID, "error", err)
		return
	}

	res, err := b.queue.WaitResult(ctx, jobID, b.cfg.ReplyTimeout())
	if err != nil {
		b.logger.Error("no result for job", "jobID", jobID, "error", err)
		return
	}

	var genResult generate.Result
	if res.Success {
		if err := unmarshalResult(res, &genResult); err != nil {
			b.logger.Error("result decode failed", "jobID", jobID, "error", err)
			return
		}
	}
	if !res.Success || !genResult.Success {
		b.logger.Warn("job did not produce a reply",
			"jobID", jobID,
			"queueError", res.Error,
			"pipelineError", genResult.Error,
		)
		// Internal error text stays in the logs; users get the
		// personality's flavored line.
		line := genResult.UserError
		if line == "" {
			line = "*Something went wrong. Please try again.*"
		}
		b.reply(m, line)
		return
	}

	b.reply(m, genResult.Content)
}

// reply posts the response, splitting past Discord's length limit. The
// first chunk references the message being replied to.
func (b *Bridge) reply(m *discordgo.MessageCreate, content string) {
	chunks := splitMessage(content, maxMessageLen)
	for i, chunk := range chunks {
		msg := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			msg.Reference = &discordgo.MessageReference{MessageID: m.ID}
		}
		if _, err := b.session.ChannelMessageSendComplex(m.ChannelID, msg); err != nil {
			b.logger.Error("reply send failed", "channelID", m.ChannelID, "chunk", i, "error", err)
			return
		}
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDiscord,
		Kind:      events.KindReplySent,
		Data: map[string]any{
			"channel_id": m.ChannelID,
			"chunks":     len(chunks),
			"reply_len":  len(content),
		},
	})
}

// captureEnvironment describes where the message arrived: a DM, or a
// guild channel with its names resolved from the session state cache.
func (b *Bridge) captureEnvironment(s *discordgo.Session, m *discordgo.MessageCreate) history.ChannelEnvironment {
	if m.GuildID == "" {
		return history.ChannelEnvironment{Kind: history.KindDM}
	}

	env := history.ChannelEnvironment{Kind: history.KindGuild}

	if guild, err := s.State.Guild(m.GuildID); err == nil {
		env.GuildName = guild.Name
	}

	channel, err := s.State.Channel(m.ChannelID)
	if err != nil {
		return env
	}
	env.ChannelName = channel.Name
	env.Topic = channel.Topic

	if channel.IsThread() {
		env.ThreadName = channel.Name
		if parent, err := s.State.Channel(channel.ParentID); err == nil {
			env.ChannelName = parent.Name
			env.Topic = parent.Topic
			channel = parent
		}
	}

	if channel.ParentID != "" {
		if parent, err := s.State.Channel(channel.ParentID); err == nil && parent.Type == discordgo.ChannelTypeGuildCategory {
			env.Category = parent.Name
		}
	}

	return env
}

// buildPayload converts a Discord message into a job payload, carrying
// reply references along as metadata.
func buildPayload(m *discordgo.MessageCreate, personalityID string, env history.ChannelEnvironment) generate.JobPayload {
	msg := generate.IncomingMessage{
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		UserID:     m.Author.ID,
		AuthorName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}

	var meta *history.MessageMetadata
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		meta = &history.MessageMetadata{
			ReferencedMessages: []history.ReferencedMessage{{
				AuthorName: m.ReferencedMessage.Author.Username,
				Content:    m.ReferencedMessage.Content,
			}},
		}
	}
	for _, att := range m.Attachments {
		if strings.HasPrefix(strings.ToLower(att.ContentType), "image/") {
			if meta == nil {
				meta = &history.MessageMetadata{}
			}
			meta.ImageDescriptions = append(meta.ImageDescriptions, att.Filename)
		}
	}
	msg.Metadata = meta

	return generate.JobPayload{
		PersonalityID: personalityID,
		Message:       msg,
		Environment:   env,
	}
}

func unmarshalResult(res *queue.Result, out *generate.Result) error {
	if len(res.Payload) == 0 {
		return fmt.Errorf("empty result payload")
	}
	return json.Unmarshal(res.Payload, out)
}

// splitMessage splits text into chunks under maxLen, preferring to cut
// at a newline when one falls in the second half of the window.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
