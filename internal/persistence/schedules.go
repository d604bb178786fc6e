package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-swarm/internal/shared"
)

const scheduleColumns = `
	id, name, COALESCE(cron_expression, ''), COALESCE(interval_ms, 0),
	task_template, task_type, tags, priority, COALESCE(target_agent_id, ''), enabled,
	COALESCE(last_run_at, ''), COALESCE(next_run_at, ''), timezone,
	consecutive_errors, COALESCE(last_error_at, ''), COALESCE(last_error_message, ''),
	created_at, last_updated_at`

func scanSchedule(scanFn func(dest ...any) error) (*ScheduledTask, error) {
	var st ScheduledTask
	var tags string
	if err := scanFn(
		&st.ID, &st.Name, &st.CronExpression, &st.IntervalMs,
		&st.TaskTemplate, &st.TaskType, &tags, &st.Priority, &st.TargetAgentID, &st.Enabled,
		&st.LastRunAt, &st.NextRunAt, &st.Timezone,
		&st.ConsecutiveErrors, &st.LastErrorAt, &st.LastErrorMessage,
		&st.CreatedAt, &st.LastUpdatedAt,
	); err != nil {
		return nil, err
	}
	st.Tags = unmarshalStrings(tags)
	return &st, nil
}

// NewSchedule carries a schedule creation. Exactly one of CronExpression /
// IntervalMs must be set; NextRunAt seeds the first firing.
type NewSchedule struct {
	Name           string
	CronExpression string
	IntervalMs     int64
	TaskTemplate   string
	TaskType       string
	Tags           []string
	Priority       int
	TargetAgentID  string
	Timezone       string
	NextRunAt      string
	Enabled        bool
}

// CreateSchedule inserts a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, ns NewSchedule) (*ScheduledTask, error) {
	if strings.TrimSpace(ns.Name) == "" {
		return nil, conflictErr("schedule name required", errors.New("empty name"))
	}
	if (ns.CronExpression == "") == (ns.IntervalMs == 0) {
		return nil, conflictErr("schedule spec", errors.New("exactly one of cronExpression/intervalMs required"))
	}
	if strings.TrimSpace(ns.TaskTemplate) == "" {
		return nil, conflictErr("schedule template required", errors.New("empty task template"))
	}
	if ns.Timezone == "" {
		ns.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(ns.Timezone); err != nil {
		return nil, conflictErr("schedule timezone", err)
	}

	id := uuid.NewString()
	now := shared.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, name, cron_expression, interval_ms, task_template, task_type,
				tags, priority, target_agent_id, enabled, next_run_at, timezone, created_at, last_updated_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, 0), ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?);
		`, id, strings.TrimSpace(ns.Name), ns.CronExpression, ns.IntervalMs, ns.TaskTemplate, ns.TaskType,
			marshalStrings(ns.Tags), ns.Priority, ns.TargetAgentID, ns.Enabled, ns.NextRunAt, ns.Timezone, now, now); err != nil {
			if isConstraintViolation(err) {
				return conflictErr("schedule insert", err)
			}
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSchedule(ctx, id)
}

// GetSchedule returns the schedule or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	st, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule: %w", err)
	}
	return st, nil
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	Enabled *bool
	Name    string
}

// ListSchedules returns schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context, f ScheduleFilter) ([]ScheduledTask, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_tasks WHERE 1=1`
	args := []any{}
	if f.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *f.Enabled)
	}
	if f.Name != "" {
		query += ` AND name = ?`
		args = append(args, f.Name)
	}
	query += ` ORDER BY name;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		st, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules with next_run_at at or before now,
// soonest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, shared.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		st, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ApplyScheduleRun records a successful firing: last_run_at advances,
// next_run_at moves to the supplied value (empty leaves it untouched, the
// run-now path), and the error counters clear.
func (s *Store) ApplyScheduleRun(ctx context.Context, id string, ranAt time.Time, nextRunAt string) error {
	query := `
		UPDATE scheduled_tasks SET last_run_at = ?, consecutive_errors = 0,
			last_error_at = NULL, last_error_message = NULL, last_updated_at = ?`
	args := []any{shared.FormatTime(ranAt), shared.Now()}
	if nextRunAt != "" {
		query += `, next_run_at = ?`
		args = append(args, nextRunAt)
	}
	query += ` WHERE id = ?;`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply schedule run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return nil
}

// RecordScheduleError bumps the error counter, stores the truncated message,
// pushes next_run_at to the backoff time, and disables the schedule when the
// counter reaches disableAfter. Returns the new consecutive error count.
func (s *Store) RecordScheduleError(ctx context.Context, id, message string, nextRunAt string, disableAfter int) (int, error) {
	if len(message) > 500 {
		message = message[:500]
	}
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := shared.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks SET consecutive_errors = consecutive_errors + 1,
				last_error_at = ?, last_error_message = ?, next_run_at = ?, last_updated_at = ?
			WHERE id = ?;
		`, now, message, nextRunAt, now, id); err != nil {
			return fmt.Errorf("record schedule error: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT consecutive_errors FROM scheduled_tasks WHERE id = ?;
		`, id).Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
			}
			return fmt.Errorf("select error count: %w", err)
		}
		if disableAfter > 0 && count >= disableAfter {
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_tasks SET enabled = 0, last_updated_at = ? WHERE id = ?;
			`, now, id); err != nil {
				return fmt.Errorf("auto-disable schedule: %w", err)
			}
		}
		_ = s.appendLogTx(ctx, tx, EventScheduleError, "", "", "", message, `{"scheduleId":"`+id+`"}`)
		return nil
	})
	return count, err
}

// SetScheduleEnabled flips the enabled flag, clearing error counters when
// re-enabling.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE scheduled_tasks SET enabled = ?, last_updated_at = ?`
	if enabled {
		query += `, consecutive_errors = 0, last_error_at = NULL, last_error_message = NULL`
	}
	query += ` WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, query, enabled, shared.Now(), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return nil
}
