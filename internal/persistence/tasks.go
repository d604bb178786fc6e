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

const taskColumns = `
	id, COALESCE(agent_id, ''), COALESCE(creator_agent_id, ''), task, status, source,
	task_type, tags, priority, depends_on,
	COALESCE(offered_to, ''), COALESCE(offered_at, ''), COALESCE(accepted_at, ''), COALESCE(rejection_reason, ''),
	COALESCE(slack_channel, ''), COALESCE(slack_thread_ts, ''),
	COALESCE(github_repo, ''), COALESCE(github_issue_number, 0), COALESCE(agentmail_thread_id, ''),
	COALESCE(mention_message_id, ''), COALESCE(mention_channel_id, ''),
	COALESCE(epic_id, ''), COALESCE(parent_task_id, ''), COALESCE(claude_session_id, ''),
	created_at, last_updated_at,
	COALESCE(finished_at, ''), COALESCE(notified_at, ''), COALESCE(failure_reason, ''),
	COALESCE(output, ''), COALESCE(progress, '')`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var tags, dependsOn string
	if err := scanFn(
		&t.ID, &t.AgentID, &t.CreatorAgentID, &t.Task, &t.Status, &t.Source,
		&t.TaskType, &tags, &t.Priority, &dependsOn,
		&t.OfferedTo, &t.OfferedAt, &t.AcceptedAt, &t.RejectionReason,
		&t.SlackChannel, &t.SlackThreadTS,
		&t.GithubRepo, &t.GithubIssueNumber, &t.AgentMailThreadID,
		&t.MentionMessageID, &t.MentionChannelID,
		&t.EpicID, &t.ParentTaskID, &t.ClaudeSessionID,
		&t.CreatedAt, &t.LastUpdatedAt,
		&t.FinishedAt, &t.NotifiedAt, &t.FailureReason,
		&t.Output, &t.Progress,
	); err != nil {
		return nil, err
	}
	t.Tags = unmarshalStrings(tags)
	t.DependsOn = unmarshalStrings(dependsOn)
	return &t, nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// NewTask carries the caller-supplied fields of a task creation.
type NewTask struct {
	AgentID           string
	CreatorAgentID    string
	Task              string
	Source            TaskSource
	TaskType          string
	Tags              []string
	Priority          int
	DependsOn         []string
	OfferedTo         string
	Backlog           bool // create hidden from the pool
	SlackChannel      string
	SlackThreadTS     string
	GithubRepo        string
	GithubIssueNumber int64
	AgentMailThreadID string
	MentionMessageID  string
	MentionChannelID  string
	EpicID            string
	ParentTaskID      string
}

// CreateTask inserts a task with its initial status derived from the
// targeting fields: offered when OfferedTo is set, pending when AgentID is
// set, backlog when asked for, unassigned otherwise.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	if strings.TrimSpace(nt.Task) == "" {
		return nil, conflictErr("task text required", errors.New("empty task"))
	}
	if nt.Source == "" {
		nt.Source = SourceAPI
	}

	status := TaskStatusUnassigned
	switch {
	case nt.OfferedTo != "":
		status = TaskStatusOffered
	case nt.AgentID != "":
		status = TaskStatusPending
	case nt.Backlog:
		status = TaskStatusBacklog
	}

	id := uuid.NewString()
	now := shared.Now()
	offeredAt := ""
	if status == TaskStatusOffered {
		offeredAt = now
	}

	var created *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tasks (
				id, agent_id, creator_agent_id, task, status, source, task_type, tags, priority, depends_on,
				offered_to, offered_at,
				slack_channel, slack_thread_ts, github_repo, github_issue_number, agentmail_thread_id,
				mention_message_id, mention_channel_id, epic_id, parent_task_id,
				created_at, last_updated_at
			) VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?,
				NULLIF(?, ''), NULLIF(?, ''),
				NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, ''),
				NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
				?, ?);
		`, id, nt.AgentID, nt.CreatorAgentID, nt.Task, status, nt.Source, nt.TaskType,
			marshalStrings(nt.Tags), nt.Priority, marshalStrings(nt.DependsOn),
			nt.OfferedTo, offeredAt,
			nt.SlackChannel, nt.SlackThreadTS, nt.GithubRepo, nt.GithubIssueNumber, nt.AgentMailThreadID,
			nt.MentionMessageID, nt.MentionChannelID, nt.EpicID, nt.ParentTaskID,
			now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("task insert", err)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		_ = s.appendLogTx(ctx, tx, EventTaskCreated, nt.AgentID, id, "", string(status), "{}")
		t, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStatusChangedEvent{TaskID: id, AgentID: created.AgentID, NewStatus: string(status)})
	return created, nil
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	AgentID  string
	Status   TaskStatus
	Source   TaskSource
	EpicID   string
	TaskType string
	Tag      string
	Limit    int
	Offset   int
}

// ListTasks returns tasks newest-first plus the unpaginated total.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if f.AgentID != "" {
		where += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Source != "" {
		where += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.EpicID != "" {
		where += ` AND epic_id = ?`
		args = append(args, f.EpicID)
	}
	if f.TaskType != "" {
		where += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if f.Tag != "" {
		// Tags are a JSON array of strings; match the quoted element.
		where += ` AND tags LIKE ?`
		args = append(args, `%"`+f.Tag+`"%`)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM agent_tasks` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// transitionTask is the shared guarded-update core of the state machine.
// It loads the current row, checks the precondition, performs an UPDATE
// guarded by the observed status (plus any extra guard), writes the log row,
// and returns the fresh task. A failed precondition or lost race returns
// (nil, nil); a missing row returns (nil, nil).
func (s *Store) transitionTask(
	ctx context.Context,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	extraSet string, extraSetArgs []any,
	extraGuard string, extraGuardArgs []any,
) (*Task, error) {
	var result *Task
	var oldStatus TaskStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		allowed := false
		for _, from := range allowedFrom {
			if current.Status == from {
				allowed = true
				break
			}
		}
		if !allowed || !canTransition(current.Status, to) {
			return nil
		}
		oldStatus = current.Status

		set := `status = ?, last_updated_at = ?`
		args := []any{to, shared.Now()}
		if extraSet != "" {
			set += ", " + extraSet
			args = append(args, extraSetArgs...)
		}
		guard := `id = ? AND status = ?`
		args = append(args, taskID, current.Status)
		if extraGuard != "" {
			guard += " AND " + extraGuard
			args = append(args, extraGuardArgs...)
		}

		res, err := tx.ExecContext(ctx, `UPDATE agent_tasks SET `+set+` WHERE `+guard+`;`, args...)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		_ = s.appendLogTx(ctx, tx, EventTaskStatusChange, current.AgentID, taskID, string(oldStatus), string(to), "{}")
		fresh, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		result = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			TaskID:    taskID,
			AgentID:   result.AgentID,
			OldStatus: string(oldStatus),
			NewStatus: string(result.Status),
		})
	}
	return result, nil
}

// ClaimTask moves an unassigned pool task to pending under agentID. Exactly
// one of any set of concurrent claimers wins; losers get (nil, nil).
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusUnassigned}, TaskStatusPending,
		`agent_id = ?`, []any{agentID},
		"", nil)
}

// OfferTask proposes a pool task to a specific agent.
func (s *Store) OfferTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusUnassigned}, TaskStatusOffered,
		`offered_to = ?, offered_at = ?`, []any{agentID, shared.Now()},
		"", nil)
}

// ClaimOffered atomically moves an offer targeted at agentID into reviewing
// so the poll endpoint never hands the same offer out twice.
func (s *Store) ClaimOffered(ctx context.Context, taskID, agentID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusOffered}, TaskStatusReviewing,
		"", nil,
		`offered_to = ?`, []any{agentID})
}

// AcceptTask converts an offer into an assignment.
func (s *Store) AcceptTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	now := shared.Now()
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusOffered, TaskStatusReviewing}, TaskStatusPending,
		`agent_id = ?, accepted_at = ?`, []any{agentID, now},
		`offered_to = ?`, []any{agentID})
}

// RejectTask returns an offer to the pool, clearing the offer fields.
func (s *Store) RejectTask(ctx context.Context, taskID, agentID, reason string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusOffered, TaskStatusReviewing}, TaskStatusUnassigned,
		`offered_to = NULL, offered_at = NULL, rejection_reason = NULLIF(?, '')`, []any{reason},
		`offered_to = ?`, []any{agentID})
}

// StartTask begins execution of an assigned task.
func (s *Store) StartTask(ctx context.Context, taskID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusPending}, TaskStatusInProgress,
		"", nil, "", nil)
}

// PauseTask interrupts in-flight work, keeping the agent binding.
func (s *Store) PauseTask(ctx context.Context, taskID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusInProgress}, TaskStatusPaused,
		"", nil, "", nil)
}

// ResumeTask continues paused work.
func (s *Store) ResumeTask(ctx context.Context, taskID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusPaused}, TaskStatusInProgress,
		"", nil, "", nil)
}

// CompleteTask finishes a task with optional output.
func (s *Store) CompleteTask(ctx context.Context, taskID, output string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusPending, TaskStatusInProgress}, TaskStatusCompleted,
		`finished_at = ?, output = NULLIF(?, '')`, []any{shared.Now(), output},
		"", nil)
}

// FailTask finishes a task with a failure reason.
func (s *Store) FailTask(ctx context.Context, taskID, reason string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusPaused}, TaskStatusFailed,
		`finished_at = ?, failure_reason = NULLIF(?, '')`, []any{shared.Now(), reason},
		"", nil)
}

// CancelTask cancels a task cooperatively; only valid from pending or
// in_progress. The owning worker observes the cancellation on its next poll.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusPending, TaskStatusInProgress}, TaskStatusCancelled,
		`finished_at = ?, failure_reason = NULLIF(?, ''), notified_at = NULL`, []any{shared.Now(), reason},
		"", nil)
}

// SetTaskProgress updates the free-text progress field, coercing a pending
// task to in_progress.
func (s *Store) SetTaskProgress(ctx context.Context, taskID, progress string) (*Task, error) {
	var result *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current == nil || current.Status.IsTerminal() {
			return nil
		}
		status := current.Status
		if status == TaskStatusPending {
			status = TaskStatusInProgress
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks SET progress = ?, status = ?, last_updated_at = ? WHERE id = ?;
		`, progress, status, shared.Now(), taskID); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		if status != current.Status {
			_ = s.appendLogTx(ctx, tx, EventTaskStatusChange, current.AgentID, taskID, string(current.Status), string(status), "{}")
		}
		_ = s.appendLogTx(ctx, tx, EventTaskProgress, current.AgentID, taskID, "", progress, "{}")
		fresh, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		result = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publish(bus.TopicTaskProgress, bus.TaskStatusChangedEvent{TaskID: taskID, AgentID: result.AgentID, NewStatus: string(result.Status)})
	}
	return result, nil
}

// MoveTaskToPool surfaces a backlog task into the shared pool.
func (s *Store) MoveTaskToPool(ctx context.Context, taskID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusBacklog}, TaskStatusUnassigned,
		"", nil, "", nil)
}

// MoveTaskToBacklog hides an unassigned task from every poll trigger.
func (s *Store) MoveTaskToBacklog(ctx context.Context, taskID string) (*Task, error) {
	return s.transitionTask(ctx, taskID,
		[]TaskStatus{TaskStatusUnassigned}, TaskStatusBacklog,
		"", nil, "", nil)
}

// SetClaudeSessionID attaches a Claude CLI session id to the task.
func (s *Store) SetClaudeSessionID(ctx context.Context, taskID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET claude_session_id = ?, last_updated_at = ? WHERE id = ?;
	`, sessionID, shared.Now(), taskID)
	if err != nil {
		return fmt.Errorf("set claude session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

// MarkTasksNotified stamps notified_at on the given tasks. Used by the poll
// endpoint before returning mark-on-read triggers (at-least-once delivery).
func (s *Store) MarkTasksNotified(ctx context.Context, taskIDs []string) error {
	return s.setNotified(ctx, taskIDs, shared.Now())
}

// ResetTasksNotified clears notified_at so a failed consumer sees the
// trigger again on its next poll.
func (s *Store) ResetTasksNotified(ctx context.Context, taskIDs []string) error {
	return s.setNotified(ctx, taskIDs, "")
}

func (s *Store) setNotified(ctx context.Context, taskIDs []string, value string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(taskIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{sql.NullString{String: value, Valid: value != ""}}
	for _, id := range taskIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET notified_at = ? WHERE id IN (`+placeholders+`);
	`, args...)
	if err != nil {
		return fmt.Errorf("set notified: %w", err)
	}
	return nil
}

// DependencyStatus is the result of a readiness check.
type DependencyStatus struct {
	Ready     bool     `json:"ready"`
	BlockedBy []string `json:"blockedBy,omitempty"`
}

// CheckDependencies reports whether every dependency of the task exists and
// is completed. A dependency pointing at a missing task blocks forever and
// is listed in BlockedBy.
func (s *Store) CheckDependencies(ctx context.Context, taskID string) (*DependencyStatus, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.checkDependsOn(ctx, t.DependsOn)
}

func (s *Store) checkDependsOn(ctx context.Context, dependsOn []string) (*DependencyStatus, error) {
	status := &DependencyStatus{Ready: true}
	for _, depID := range dependsOn {
		var depStatus TaskStatus
		err := s.db.QueryRowContext(ctx, `SELECT status FROM agent_tasks WHERE id = ?;`, depID).Scan(&depStatus)
		if errors.Is(err, sql.ErrNoRows) {
			status.Ready = false
			status.BlockedBy = append(status.BlockedBy, depID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("select dependency: %w", err)
		}
		if depStatus != TaskStatusCompleted {
			status.Ready = false
			status.BlockedBy = append(status.BlockedBy, depID)
		}
	}
	return status, nil
}

// NextPendingTaskForAgent returns the highest-priority oldest pending task
// assigned to the agent whose dependencies are all completed, or nil.
func (s *Store) NextPendingTaskForAgent(ctx context.Context, agentID string) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE agent_id = ? AND status = ?
		ORDER BY priority DESC, created_at ASC;
	`, agentID, TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var candidates []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range candidates {
		dep, err := s.checkDependsOn(ctx, t.DependsOn)
		if err != nil {
			return nil, err
		}
		if dep.Ready {
			return t, nil
		}
	}
	return nil, nil
}

// OfferedTaskFor returns the oldest live offer targeted at the agent, or nil.
func (s *Store) OfferedTaskFor(ctx context.Context, agentID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE status = ? AND offered_to = ?
		ORDER BY offered_at ASC
		LIMIT 1;
	`, TaskStatusOffered, agentID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select offered task: %w", err)
	}
	return t, nil
}

// PausedTaskFor returns the oldest paused task owned by the agent, or nil.
func (s *Store) PausedTaskFor(ctx context.Context, agentID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE agent_id = ? AND status = ?
		ORDER BY last_updated_at ASC
		LIMIT 1;
	`, agentID, TaskStatusPaused)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select paused task: %w", err)
	}
	return t, nil
}

// UnobservedCancelledTask atomically claims one recently cancelled task of
// the agent that the worker has not yet observed, stamping notified_at so a
// second poll skips it. Window bounds how long after cancellation the signal
// is surfaced.
func (s *Store) UnobservedCancelledTask(ctx context.Context, agentID string, window time.Duration) (*Task, error) {
	cutoff := shared.FormatTime(time.Now().Add(-window))
	var result *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM agent_tasks
			WHERE agent_id = ? AND status = ? AND finished_at > ? AND notified_at IS NULL
			ORDER BY finished_at ASC
			LIMIT 1;
		`, agentID, TaskStatusCancelled, cutoff)
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select cancelled task: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks SET notified_at = ? WHERE id = ? AND notified_at IS NULL;
		`, shared.Now(), id)
		if err != nil {
			return fmt.Errorf("mark cancelled observed: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		t, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

// UnnotifiedFinishedWorkerTasks returns completed or failed tasks owned by
// non-lead agents that no lead has been told about yet.
func (s *Store) UnnotifiedFinishedWorkerTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE status IN (?, ?)
		  AND notified_at IS NULL
		  AND agent_id IN (SELECT id FROM agents WHERE is_lead = 0)
		ORDER BY finished_at ASC
		LIMIT ?;
	`, TaskStatusCompleted, TaskStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query finished worker tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan finished task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// PoolCount returns the number of unassigned tasks visible to leads.
func (s *Store) PoolCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agent_tasks WHERE status = ?;
	`, TaskStatusUnassigned).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pool: %w", err)
	}
	return n, nil
}

// ReleaseStaleReviewing reverts reviewing tasks whose review window expired
// back to offered, re-arming offered_at. Returns the number released.
func (s *Store) ReleaseStaleReviewing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := shared.FormatTime(time.Now().Add(-olderThan))
	released := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, COALESCE(offered_to, '') FROM agent_tasks
			WHERE status = ? AND last_updated_at < ?;
		`, TaskStatusReviewing, cutoff)
		if err != nil {
			return fmt.Errorf("query stale reviewing: %w", err)
		}
		type stale struct{ id, offeredTo string }
		var stales []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.offeredTo); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale reviewing: %w", err)
			}
			stales = append(stales, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := shared.Now()
		for _, st := range stales {
			res, err := tx.ExecContext(ctx, `
				UPDATE agent_tasks SET status = ?, offered_at = ?, last_updated_at = ?
				WHERE id = ? AND status = ?;
			`, TaskStatusOffered, now, now, st.id, TaskStatusReviewing)
			if err != nil {
				return fmt.Errorf("release stale reviewing: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				released++
				_ = s.appendLogTx(ctx, tx, EventTaskReviewExpired, st.offeredTo, st.id, string(TaskStatusReviewing), string(TaskStatusOffered), "{}")
			}
		}
		return nil
	})
	return released, err
}

// TaskStatusCounts returns the number of tasks in each status.
func (s *Store) TaskStatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agent_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	out := map[TaskStatus]int{}
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
