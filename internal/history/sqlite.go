package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lbds137/tzurot-sub012/internal/tokens"
)

// maxCrossChannelGroups bounds how many foreign channels contribute
// snippets to one prompt. The serializer budget usually cuts off sooner.
const maxCrossChannelGroups = 5

// sqliteTimeLayout is a fixed-width UTC timestamp format. Fixed width
// matters: created_at is compared lexicographically in ORDER BY and
// MAX(), and variable-width fractional seconds would sort "…00.5Z"
// after "…00.52Z".
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists conversation history in SQLite. One row per
// entry; metadata is stored as a JSON blob since it is read back whole
// and never queried by field.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a history store using the given database
// connection and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT NOT NULL PRIMARY KEY,
			channel_id     TEXT NOT NULL,
			personality_id TEXT NOT NULL,
			role           TEXT NOT NULL,
			user_id        TEXT NOT NULL DEFAULT '',
			author_name    TEXT NOT NULL DEFAULT '',
			content        TEXT NOT NULL,
			token_count    INTEGER NOT NULL DEFAULT 0,
			metadata       TEXT,
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_channel
			ON messages (channel_id, personality_id, created_at);
		CREATE TABLE IF NOT EXISTS channel_environments (
			channel_id   TEXT NOT NULL PRIMARY KEY,
			kind         TEXT NOT NULL,
			guild_name   TEXT NOT NULL DEFAULT '',
			channel_name TEXT NOT NULL DEFAULT '',
			category     TEXT NOT NULL DEFAULT '',
			topic        TEXT NOT NULL DEFAULT '',
			thread_name  TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Append records an entry for a channel/personality conversation.
func (s *SQLiteStore) Append(ctx context.Context, channelID, personalityID string, entry ConversationEntry) error {
	var metadata any
	if entry.Metadata != nil {
		blob, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(blob)
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, personality_id, role, user_id, author_name, content, token_count, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, channelID, personalityID, entry.Role, entry.UserID, entry.AuthorName,
		entry.Content, entry.TokenCount, metadata, ts.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// SetEnvironment records where a channel's conversation happens, for
// cross-channel location rendering. Idempotent upsert.
func (s *SQLiteStore) SetEnvironment(ctx context.Context, channelID string, env ChannelEnvironment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_environments (channel_id, kind, guild_name, channel_name, category, topic, thread_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			kind = excluded.kind,
			guild_name = excluded.guild_name,
			channel_name = excluded.channel_name,
			category = excluded.category,
			topic = excluded.topic,
			thread_name = excluded.thread_name
	`, channelID, string(env.Kind), env.GuildName, env.ChannelName, env.Category, env.Topic, env.ThreadName)
	if err != nil {
		return fmt.Errorf("set channel environment: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for a channel/personality pair,
// oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, channelID, personalityID string, limit int) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, user_id, author_name, content, token_count, metadata, created_at
		FROM messages
		WHERE channel_id = ? AND personality_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, channelID, personalityID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	// Query returns newest first; callers expect chronological order.
	reverse(entries)
	return entries, nil
}

// CrossChannel returns recent conversation snippets from other channels
// the personality has spoken in, grouped by channel and ordered by most
// recent activity.
func (s *SQLiteStore) CrossChannel(ctx context.Context, personalityID, excludeChannelID string, perChannel int) ([]CrossChannelGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, MAX(created_at) AS last_active
		FROM messages
		WHERE personality_id = ? AND channel_id != ?
		GROUP BY channel_id
		ORDER BY last_active DESC
		LIMIT ?
	`, personalityID, excludeChannelID, maxCrossChannelGroups)
	if err != nil {
		return nil, fmt.Errorf("cross-channel channels: %w", err)
	}

	var channelIDs []string
	for rows.Next() {
		var id, lastActive string
		if err := rows.Scan(&id, &lastActive); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channelIDs = append(channelIDs, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("cross-channel channels: %w", err)
	}

	var groups []CrossChannelGroup
	for _, channelID := range channelIDs {
		env, err := s.environment(ctx, channelID)
		if err != nil {
			return nil, err
		}

		entries, err := s.Recent(ctx, channelID, personalityID, perChannel)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}

		group := CrossChannelGroup{Environment: env}
		for _, e := range entries {
			count := e.TokenCount
			if count <= 0 {
				count = tokens.EstimateMessage(e.Content)
			}
			group.Messages = append(group.Messages, CrossChannelMessage{
				AuthorName: e.AuthorName,
				Content:    e.Content,
				TokenCount: count,
				Timestamp:  e.Timestamp,
			})
		}
		groups = append(groups, group)
	}

	return groups, nil
}

// environment looks up the stored channel environment, defaulting to a
// DM when the channel was never described.
func (s *SQLiteStore) environment(ctx context.Context, channelID string) (ChannelEnvironment, error) {
	var env ChannelEnvironment
	var kind string

	err := s.db.QueryRowContext(ctx, `
		SELECT kind, guild_name, channel_name, category, topic, thread_name
		FROM channel_environments
		WHERE channel_id = ?
	`, channelID).Scan(&kind, &env.GuildName, &env.ChannelName, &env.Category, &env.Topic, &env.ThreadName)

	if err == sql.ErrNoRows {
		return ChannelEnvironment{Kind: KindDM}, nil
	}
	if err != nil {
		return ChannelEnvironment{}, fmt.Errorf("channel environment: %w", err)
	}

	env.Kind = ChannelKind(kind)
	return env, nil
}

func scanEntries(rows *sql.Rows) ([]ConversationEntry, error) {
	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		var metadata sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Role, &e.UserID, &e.AuthorName, &e.Content, &e.TokenCount, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		if metadata.Valid && metadata.String != "" {
			md := &MessageMetadata{}
			if err := json.Unmarshal([]byte(metadata.String), md); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
			e.Metadata = md
		}

		// RFC3339Nano parsing accepts the fixed-width form as well as
		// rows written before fractional seconds were padded.
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func reverse(entries []ConversationEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
