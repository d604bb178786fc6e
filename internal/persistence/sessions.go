package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/shared"
)

const sessionColumns = `
	id, agent_id, COALESCE(task_id, ''), trigger_type, COALESCE(inbox_message_id, ''),
	COALESCE(task_description, ''), started_at, last_heartbeat_at`

func scanSession(scanFn func(dest ...any) error) (*ActiveSession, error) {
	var a ActiveSession
	if err := scanFn(&a.ID, &a.AgentID, &a.TaskID, &a.TriggerType, &a.InboxMessageID,
		&a.TaskDescription, &a.StartedAt, &a.LastHeartbeatAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// NewSession carries a session start.
type NewSession struct {
	AgentID         string
	TaskID          string
	TriggerType     string
	InboxMessageID  string
	TaskDescription string
}

// StartSession records one running worker session.
func (s *Store) StartSession(ctx context.Context, ns NewSession) (*ActiveSession, error) {
	if ns.AgentID == "" || ns.TriggerType == "" {
		return nil, conflictErr("session fields", errors.New("agentId and triggerType required"))
	}
	id := uuid.NewString()
	now := shared.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_sessions (id, agent_id, task_id, trigger_type, inbox_message_id, task_description, started_at, last_heartbeat_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, id, ns.AgentID, ns.TaskID, ns.TriggerType, ns.InboxMessageID, ns.TaskDescription, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM active_sessions WHERE id = ?;`, id)
	return scanSessionRow(row)
}

func scanSessionRow(row *sql.Row) (*ActiveSession, error) {
	a, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return a, nil
}

// HeartbeatSessionByTask bumps the heartbeat of the session bound to taskID.
func (s *Store) HeartbeatSessionByTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE active_sessions SET last_heartbeat_at = ? WHERE task_id = ?;
	`, shared.Now(), taskID)
	if err != nil {
		return fmt.Errorf("heartbeat session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session for task %s", ErrNotFound, taskID)
	}
	return nil
}

// EndSession deletes a session by id or by bound task id.
func (s *Store) EndSession(ctx context.Context, idOrTaskID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM active_sessions WHERE id = ? OR task_id = ?;
	`, idOrTaskID, idOrTaskID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, idOrTaskID)
	}
	return nil
}

// CleanupStaleSessions deletes sessions whose heartbeat is older than the
// cutoff. Returns the number removed.
func (s *Store) CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := shared.FormatTime(time.Now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM active_sessions WHERE last_heartbeat_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListSessions enumerates running sessions, optionally for one agent.
func (s *Store) ListSessions(ctx context.Context, agentID string) ([]ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY started_at;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []ActiveSession
	for rows.Next() {
		a, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AppendSessionLog stores one worker output line.
func (s *Store) AppendSessionLog(ctx context.Context, agentID, taskID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_logs (agent_id, task_id, content, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?);
	`, agentID, taskID, content, shared.Now())
	if err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	return nil
}

// ListSessionLogs returns output lines for an agent or task, oldest first.
func (s *Store) ListSessionLogs(ctx context.Context, agentID, taskID string, limit int) ([]SessionLogLine, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	query := `
		SELECT id, agent_id, COALESCE(task_id, ''), content, created_at
		FROM session_logs WHERE 1=1`
	args := []any{}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session logs: %w", err)
	}
	defer rows.Close()
	var out []SessionLogLine
	for rows.Next() {
		var l SessionLogLine
		if err := rows.Scan(&l.ID, &l.AgentID, &l.TaskID, &l.Content, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertSessionCost stores one raw cost record.
func (s *Store) InsertSessionCost(ctx context.Context, c SessionCost) (*SessionCost, error) {
	if c.AgentID == "" {
		return nil, conflictErr("cost agent required", errors.New("empty agent id"))
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = shared.Now()
	if c.TotalTokens == 0 {
		c.TotalTokens = c.InputTokens + c.OutputTokens
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_costs (id, agent_id, task_id, claude_session_id, model,
			input_tokens, output_tokens, total_tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?);
	`, c.ID, c.AgentID, c.TaskID, c.ClaudeSessionID, c.Model,
		c.InputTokens, c.OutputTokens, c.TotalTokens, c.CostUSD, c.DurationMs, c.CreatedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, conflictErr("cost insert", err)
		}
		return nil, fmt.Errorf("insert session cost: %w", err)
	}
	return &c, nil
}

// CostFilter narrows ListSessionCosts.
type CostFilter struct {
	AgentID string
	TaskID  string
	Since   string
	Limit   int
}

// ListSessionCosts returns raw cost records newest-first.
func (s *Store) ListSessionCosts(ctx context.Context, f CostFilter) ([]SessionCost, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `
		SELECT id, agent_id, COALESCE(task_id, ''), COALESCE(claude_session_id, ''), model,
			input_tokens, output_tokens, total_tokens, cost_usd, duration_ms, created_at
		FROM session_costs WHERE 1=1`
	args := []any{}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Since != "" {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session costs: %w", err)
	}
	defer rows.Close()
	var out []SessionCost
	for rows.Next() {
		var c SessionCost
		if err := rows.Scan(&c.ID, &c.AgentID, &c.TaskID, &c.ClaudeSessionID, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.TotalTokens, &c.CostUSD, &c.DurationMs, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session cost: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AgentCostSummary aggregates costs per agent.
type AgentCostSummary struct {
	AgentID      string  `json:"agentId"`
	Records      int     `json:"records"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// SessionCostSummary returns per-agent totals over all stored records.
func (s *Store) SessionCostSummary(ctx context.Context) ([]AgentCostSummary, error) {
	return s.costSummarySince(ctx, "")
}

// SessionCostDashboard returns per-agent totals over the trailing window.
func (s *Store) SessionCostDashboard(ctx context.Context, window time.Duration) ([]AgentCostSummary, error) {
	return s.costSummarySince(ctx, shared.FormatTime(time.Now().Add(-window)))
}

func (s *Store) costSummarySince(ctx context.Context, since string) ([]AgentCostSummary, error) {
	query := `
		SELECT agent_id, COUNT(1), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM session_costs`
	args := []any{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY agent_id ORDER BY SUM(cost_usd) DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cost summary: %w", err)
	}
	defer rows.Close()
	var out []AgentCostSummary
	for rows.Next() {
		var a AgentCostSummary
		if err := rows.Scan(&a.AgentID, &a.Records, &a.InputTokens, &a.OutputTokens, &a.TotalTokens, &a.CostUSD); err != nil {
			return nil, fmt.Errorf("scan cost summary: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
