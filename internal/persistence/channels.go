package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/shared"
)

// mentionPattern matches @name tokens in message text. Matched names are
// resolved against registered agent names; unknown names are ignored.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9_.-]*)`)

// taskPrefix in a channel message synthesises one direct-assignment task per
// distinct explicitly mentioned agent.
const taskPrefix = "/task"

// CreateChannel inserts a channel. Names are unique; a duplicate returns
// ErrConflict.
func (s *Store) CreateChannel(ctx context.Context, name, description, createdBy string) (*Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, conflictErr("channel name required", errors.New("empty name"))
	}
	id := uuid.NewString()
	now := shared.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, name, description, created_by, created_at, last_updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?);
		`, id, name, description, createdBy, now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("channel name unique", err)
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetChannel(ctx, id)
}

// GetChannel returns the channel or ErrNotFound.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, COALESCE(created_by, ''), created_at, last_updated_at
		FROM channels WHERE id = ?;
	`, id)
	var c Channel
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt, &c.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select channel: %w", err)
	}
	return &c, nil
}

// GetChannelByName returns the channel or ErrNotFound.
func (s *Store) GetChannelByName(ctx context.Context, name string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, COALESCE(created_by, ''), created_at, last_updated_at
		FROM channels WHERE name = ?;
	`, name)
	var c Channel
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt, &c.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("select channel by name: %w", err)
	}
	return &c, nil
}

// ListChannels returns all channels ordered by name.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, COALESCE(created_by, ''), created_at, last_updated_at
		FROM channels ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt, &c.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PostChannelMessage stores a message, extracting @mentions against the
// registered agent names. A threaded reply with no explicit mentions
// inherits the parent's mentions for notification only. A /task prefix
// synthesises one pending task per distinct explicitly mentioned agent.
// Returns the stored message and the ids of any tasks created.
func (s *Store) PostChannelMessage(ctx context.Context, channelID, senderAgentID, content, parentMessageID string) (*ChannelMessage, []string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, conflictErr("message content required", errors.New("empty content"))
	}

	msgID := uuid.NewString()
	now := shared.Now()
	var msg *ChannelMessage
	var taskIDs []string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE id = ?;`, channelID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
			}
			return fmt.Errorf("select channel: %w", err)
		}

		explicit, err := s.resolveMentionsTx(ctx, tx, content)
		if err != nil {
			return err
		}
		effective := explicit
		if len(explicit) == 0 && parentMessageID != "" {
			var parentMentions string
			err := tx.QueryRowContext(ctx, `
				SELECT mentions FROM channel_messages WHERE id = ? AND channel_id = ?;
			`, parentMessageID, channelID).Scan(&parentMentions)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select parent message: %w", err)
			}
			effective = unmarshalStrings(parentMentions)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_messages (id, channel_id, sender_agent_id, content, mentions, parent_message_id, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?);
		`, msgID, channelID, senderAgentID, content, marshalStrings(effective), parentMessageID, now); err != nil {
			return fmt.Errorf("insert channel message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE channels SET last_updated_at = ? WHERE id = ?;
		`, now, channelID); err != nil {
			return fmt.Errorf("touch channel: %w", err)
		}
		_ = s.appendLogTx(ctx, tx, EventChannelMessage, senderAgentID, "", "", msgID, "{}")

		// Task synthesis uses only explicit mentions, never inherited ones.
		if strings.HasPrefix(strings.TrimSpace(content), taskPrefix) {
			text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), taskPrefix))
			if text == "" {
				text = content
			}
			for _, agentID := range explicit {
				taskID := uuid.NewString()
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO agent_tasks (id, agent_id, creator_agent_id, task, status, source, tags, depends_on,
						mention_message_id, mention_channel_id, created_at, last_updated_at)
					VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, '[]', '[]', ?, ?, ?, ?);
				`, taskID, agentID, senderAgentID, text, TaskStatusPending, SourceAPI,
					msgID, channelID, now, now); err != nil {
					return fmt.Errorf("synthesise task: %w", err)
				}
				_ = s.appendLogTx(ctx, tx, EventTaskCreated, agentID, taskID, "", string(TaskStatusPending), `{"origin":"channel_task_command"}`)
				taskIDs = append(taskIDs, taskID)
			}
		}

		msg = &ChannelMessage{
			ID:              msgID,
			ChannelID:       channelID,
			SenderAgentID:   senderAgentID,
			Content:         content,
			Mentions:        effective,
			ParentMessageID: parentMessageID,
			CreatedAt:       now,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.publish(bus.TopicChannelMessage, bus.ChannelMessageEvent{MessageID: msgID, ChannelID: channelID, Mentions: msg.Mentions})
	return msg, taskIDs, nil
}

// resolveMentionsTx maps @name tokens in content to agent ids, preserving
// first-mention order and deduplicating.
func (s *Store) resolveMentionsTx(ctx context.Context, tx *sql.Tx, content string) ([]string, error) {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		name := m[1]
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM agents WHERE name = ?;`, name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mention: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// ListChannelMessages returns messages oldest-first.
func (s *Store) ListChannelMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, COALESCE(sender_agent_id, ''), content, mentions, COALESCE(parent_message_id, ''), created_at
		FROM channel_messages
		WHERE channel_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query channel messages: %w", err)
	}
	defer rows.Close()
	var out []ChannelMessage
	for rows.Next() {
		var m ChannelMessage
		var mentions string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderAgentID, &m.Content, &mentions, &m.ParentMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel message: %w", err)
		}
		m.Mentions = unmarshalStrings(mentions)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkChannelRead advances the agent's read position in the channel.
func (s *Store) MarkChannelRead(ctx context.Context, agentID, channelID string) error {
	now := shared.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_read_states (agent_id, channel_id, last_read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, channel_id) DO UPDATE SET last_read_at = excluded.last_read_at;
	`, agentID, channelID, now)
	if err != nil {
		return fmt.Errorf("mark channel read: %w", err)
	}
	return nil
}

// ClaimedChannel describes one channel claimed for mention processing.
type ClaimedChannel struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	LastReadAt  string `json:"lastReadAt,omitempty"`
	Unread      int    `json:"unread"`
}

// UnreadMentionChannels computes, per channel, the count of messages newer
// than the agent's read position that mention it. Channels another poller
// currently holds (processing_since non-null) are skipped.
func (s *Store) UnreadMentionChannels(ctx context.Context, agentID string) ([]ClaimedChannel, error) {
	return s.unreadMentionChannels(ctx, s.db, agentID, true)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) unreadMentionChannels(ctx context.Context, q queryer, agentID string, skipProcessing bool) ([]ClaimedChannel, error) {
	query := `
		SELECT c.id, c.name, COALESCE(rs.last_read_at, ''), COALESCE(rs.processing_since, ''), m.id, m.mentions, m.created_at
		FROM channels c
		JOIN channel_messages m ON m.channel_id = c.id
		LEFT JOIN channel_read_states rs ON rs.channel_id = c.id AND rs.agent_id = ?
		WHERE (rs.last_read_at IS NULL OR m.created_at > rs.last_read_at)
		  AND (m.sender_agent_id IS NULL OR m.sender_agent_id != ?)
		ORDER BY c.id, m.created_at;`
	rows, err := q.QueryContext(ctx, query, agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query unread mentions: %w", err)
	}
	defer rows.Close()

	byChannel := map[string]*ClaimedChannel{}
	var order []string
	for rows.Next() {
		var channelID, channelName, lastReadAt, processingSince, msgID, mentions, createdAt string
		if err := rows.Scan(&channelID, &channelName, &lastReadAt, &processingSince, &msgID, &mentions, &createdAt); err != nil {
			return nil, fmt.Errorf("scan unread mention: %w", err)
		}
		if skipProcessing && processingSince != "" {
			continue
		}
		mentioned := false
		for _, id := range unmarshalStrings(mentions) {
			if id == agentID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			continue
		}
		cc, ok := byChannel[channelID]
		if !ok {
			cc = &ClaimedChannel{ChannelID: channelID, ChannelName: channelName, LastReadAt: lastReadAt}
			byChannel[channelID] = cc
			order = append(order, channelID)
		}
		cc.Unread++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]ClaimedChannel, 0, len(order))
	for _, id := range order {
		out = append(out, *byChannel[id])
	}
	return out, nil
}

// ClaimMentions atomically claims every channel holding unread mentions for
// the agent by setting processing_since where it is currently null. Returns
// the channels actually claimed; channels already claimed by a concurrent
// poll are absent from the result.
func (s *Store) ClaimMentions(ctx context.Context, agentID string) ([]ClaimedChannel, error) {
	var claimed []ClaimedChannel
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		candidates, err := s.unreadMentionChannels(ctx, tx, agentID, true)
		if err != nil {
			return err
		}
		now := shared.Now()
		for _, cc := range candidates {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO channel_read_states (agent_id, channel_id, last_read_at, processing_since)
				VALUES (?, ?, '', ?)
				ON CONFLICT(agent_id, channel_id) DO UPDATE SET processing_since = excluded.processing_since
				WHERE channel_read_states.processing_since IS NULL;
			`, agentID, cc.ChannelID, now); err != nil {
				return fmt.Errorf("claim mention channel: %w", err)
			}
			// The conditional upsert only wins when no other poll holds the
			// channel; verify ownership before reporting it claimed.
			var since string
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(processing_since, '') FROM channel_read_states
				WHERE agent_id = ? AND channel_id = ?;
			`, agentID, cc.ChannelID).Scan(&since); err != nil {
				return fmt.Errorf("verify mention claim: %w", err)
			}
			if since == now {
				claimed = append(claimed, cc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseMentionProcessing clears the advisory lock on the given channels
// and advances the read position to now.
func (s *Store) ReleaseMentionProcessing(ctx context.Context, agentID string, channelIDs []string) error {
	if len(channelIDs) == 0 {
		return nil
	}
	now := shared.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, channelID := range channelIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE channel_read_states SET processing_since = NULL, last_read_at = ?
				WHERE agent_id = ? AND channel_id = ?;
			`, now, agentID, channelID); err != nil {
				return fmt.Errorf("release mention processing: %w", err)
			}
		}
		return nil
	})
}

// ReleaseStaleMentionProcessing clears advisory locks older than the
// timeout, so a crashed poller cannot hold a channel forever. Returns the
// number of locks released.
func (s *Store) ReleaseStaleMentionProcessing(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := shared.FormatTime(time.Now().Add(-timeout))
	res, err := s.db.ExecContext(ctx, `
		UPDATE channel_read_states SET processing_since = NULL
		WHERE processing_since IS NOT NULL AND processing_since < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale mention processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
