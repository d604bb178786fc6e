package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/shared"
)

const inboxColumns = `
	id, agent_id, content, source, status,
	COALESCE(slack_channel, ''), COALESCE(slack_thread_ts, ''), COALESCE(agentmail_thread_id, ''),
	COALESCE(delegated_to_task_id, ''), COALESCE(response_text, ''), COALESCE(processing_since, ''),
	created_at, last_updated_at`

func scanInbox(scanFn func(dest ...any) error) (*InboxMessage, error) {
	var m InboxMessage
	if err := scanFn(
		&m.ID, &m.AgentID, &m.Content, &m.Source, &m.Status,
		&m.SlackChannel, &m.SlackThreadTS, &m.AgentMailThreadID,
		&m.DelegatedToTaskID, &m.ResponseText, &m.ProcessingSince,
		&m.CreatedAt, &m.LastUpdatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewInboxMessage carries a direct-message creation. The content body is
// preserved verbatim; workers parse any embedded <new_message> and
// <thread_history> blocks themselves.
type NewInboxMessage struct {
	AgentID           string
	Content           string
	Source            TaskSource
	SlackChannel      string
	SlackThreadTS     string
	AgentMailThreadID string
}

// CreateInboxMessage stores a direct message for an agent in unread state.
func (s *Store) CreateInboxMessage(ctx context.Context, nm NewInboxMessage) (*InboxMessage, error) {
	if strings.TrimSpace(nm.Content) == "" {
		return nil, conflictErr("inbox content required", errors.New("empty content"))
	}
	if nm.AgentID == "" {
		return nil, conflictErr("inbox agent required", errors.New("empty agent id"))
	}
	if nm.Source == "" {
		nm.Source = SourceAPI
	}
	id := uuid.NewString()
	now := shared.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_messages (id, agent_id, content, source, status,
				slack_channel, slack_thread_ts, agentmail_thread_id, created_at, last_updated_at)
			VALUES (?, ?, ?, ?, 'unread', NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, id, nm.AgentID, nm.Content, nm.Source,
			nm.SlackChannel, nm.SlackThreadTS, nm.AgentMailThreadID, now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("inbox insert", err)
			}
			return fmt.Errorf("insert inbox message: %w", err)
		}
		_ = s.appendLogTx(ctx, tx, EventInboxMessage, nm.AgentID, "", "", id, "{}")
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicInboxMessage, map[string]string{"messageId": id, "agentId": nm.AgentID})
	return s.GetInboxMessage(ctx, id)
}

// GetInboxMessage returns the message or ErrNotFound.
func (s *Store) GetInboxMessage(ctx context.Context, id string) (*InboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_messages WHERE id = ?;`, id)
	m, err := scanInbox(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: inbox message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select inbox message: %w", err)
	}
	return m, nil
}

// ListInboxMessages returns messages for an agent, optionally filtered by
// status, oldest first.
func (s *Store) ListInboxMessages(ctx context.Context, agentID string, status InboxStatus, limit int) ([]InboxMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + inboxColumns + ` FROM inbox_messages WHERE agent_id = ?`
	args := []any{agentID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()
	var out []InboxMessage
	for rows.Next() {
		m, err := scanInbox(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan inbox message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ClaimInboxMessages atomically transitions up to limit unread messages to
// processing and returns them. A concurrent claimer gets a disjoint set.
func (s *Store) ClaimInboxMessages(ctx context.Context, agentID string, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 5
	}
	var claimed []InboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM inbox_messages
			WHERE agent_id = ? AND status = 'unread'
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, agentID, limit)
		if err != nil {
			return fmt.Errorf("query unread inbox: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan inbox id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := shared.Now()
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE inbox_messages SET status = 'processing', processing_since = ?, last_updated_at = ?
				WHERE id = ? AND status = 'unread';
			`, now, now, id)
			if err != nil {
				return fmt.Errorf("claim inbox message: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			row := tx.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_messages WHERE id = ?;`, id)
			m, err := scanInbox(row.Scan)
			if err != nil {
				return fmt.Errorf("reload claimed inbox message: %w", err)
			}
			claimed = append(claimed, *m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ResolveInboxMessage moves a processing message to a resolution state:
// read, responded (with response text), or delegated (with the task id).
func (s *Store) ResolveInboxMessage(ctx context.Context, id string, status InboxStatus, responseText, delegatedToTaskID string) (*InboxMessage, error) {
	switch status {
	case InboxStatusRead, InboxStatusResponded, InboxStatusDelegated:
	default:
		return nil, conflictErr("invalid inbox resolution", fmt.Errorf("status %q", status))
	}
	var resolved *InboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_messages SET status = ?, response_text = NULLIF(?, ''),
				delegated_to_task_id = NULLIF(?, ''), processing_since = NULL, last_updated_at = ?
			WHERE id = ? AND status IN ('unread', 'processing');
		`, status, responseText, delegatedToTaskID, shared.Now(), id)
		if err != nil {
			return fmt.Errorf("resolve inbox message: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		row := tx.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_messages WHERE id = ?;`, id)
		m, err := scanInbox(row.Scan)
		if err != nil {
			return fmt.Errorf("reload inbox message: %w", err)
		}
		resolved = m
		return nil
	})
	return resolved, err
}

// ReleaseStaleInboxProcessing returns messages stuck in processing longer
// than the timeout back to unread. Returns the number released.
func (s *Store) ReleaseStaleInboxProcessing(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := shared.FormatTime(time.Now().Add(-timeout))
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_messages SET status = 'unread', processing_since = NULL, last_updated_at = ?
		WHERE status = 'processing' AND processing_since IS NOT NULL AND processing_since < ?;
	`, shared.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale inbox processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
