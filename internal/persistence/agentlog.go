package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/shared"
)

// Agent log event types written by the kernel.
const (
	EventTaskCreated       = "task_created"
	EventTaskStatusChange  = "task_status_change"
	EventTaskProgress      = "task_progress"
	EventTaskReviewExpired = "task_review_expired"
	EventAgentRegistered   = "agent_registered"
	EventAgentStatusChange = "agent_status_change"
	EventProfileUpdated    = "profile_updated"
	EventScheduleFired     = "schedule_fired"
	EventScheduleError     = "schedule_error"
	EventChannelMessage    = "channel_message"
	EventInboxMessage      = "inbox_message"
	EventEpicCreated       = "epic_created"
)

// appendLogTx writes one agent_logs row inside the caller's transaction.
// Logging is best-effort: callers ignore the returned error so a log
// failure never aborts the mutation it describes.
func (s *Store) appendLogTx(ctx context.Context, tx *sql.Tx, eventType, agentID, taskID, oldValue, newValue, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_logs (id, event_type, agent_id, task_id, old_value, new_value, metadata, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, uuid.NewString(), eventType, agentID, taskID, oldValue, newValue, metadata, shared.Now())
	return err
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	AgentID   string
	TaskID    string
	EventType string
	Limit     int
}

// ListLogs returns log rows newest-first.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]AgentLogEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `
		SELECT id, event_type, COALESCE(agent_id, ''), COALESCE(task_id, ''),
			COALESCE(old_value, ''), COALESCE(new_value, ''), metadata, created_at
		FROM agent_logs
		WHERE 1=1`
	args := []any{}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent_logs: %w", err)
	}
	defer rows.Close()

	var out []AgentLogEntry
	for rows.Next() {
		var e AgentLogEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.AgentID, &e.TaskID, &e.OldValue, &e.NewValue, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent_log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
