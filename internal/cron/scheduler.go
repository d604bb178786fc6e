// Package cron materialises due schedules into tasks. Cron expressions are
// evaluated in the schedule's IANA timezone; interval schedules fire every
// interval_ms from the last run.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/persistence"
	"github.com/basket/agent-swarm/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	Interval         time.Duration // tick interval; defaults to 10 s
	BackoffBase      time.Duration // error backoff base; defaults to 1 min
	BackoffCap       time.Duration // error backoff ceiling; defaults to 1 h
	AutoDisableAfter int           // consecutive errors before disable; defaults to 5
}

// Scheduler periodically queries the store for due schedules and creates
// one task per firing.
type Scheduler struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	interval         time.Duration
	backoffBase      time.Duration
	backoffCap       time.Duration
	autoDisableAfter int

	processing atomic.Bool // single-flight: overlapping ticks are skipped
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Minute
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = time.Hour
	}
	autoDisable := cfg.AutoDisableAfter
	if autoDisable <= 0 {
		autoDisable = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:            cfg.Store,
		bus:              cfg.Bus,
		logger:           logger,
		interval:         interval,
		backoffBase:      backoffBase,
		backoffCap:       backoffCap,
		autoDisableAfter: autoDisable,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once. A tick overlapping a still-running
// tick is skipped so a slow run cannot stack.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.processing.CompareAndSwap(false, true) {
		return
	}
	defer s.processing.Store(false)

	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now, false)
	}
}

// RunNow fires a schedule immediately, bypassing next_run_at. The regular
// cadence is untouched. Disabled or missing schedules fail.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID string) (*persistence.Task, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !sched.Enabled {
		return nil, fmt.Errorf("%w: schedule %q is disabled", persistence.ErrConflict, sched.Name)
	}
	task, err := s.createTask(ctx, *sched, true)
	if err != nil {
		return nil, err
	}
	if err := s.store.ApplyScheduleRun(ctx, sched.ID, time.Now(), ""); err != nil {
		return nil, err
	}
	return task, nil
}

// fire creates the task for one due schedule and advances its cadence. On
// failure the schedule backs off exponentially and auto-disables after the
// configured error streak.
func (s *Scheduler) fire(ctx context.Context, sched persistence.ScheduledTask, now time.Time, manual bool) {
	task, err := s.createTask(ctx, sched, manual)
	if err != nil {
		s.recordFailure(ctx, sched, now, err)
		return
	}

	nextRun, err := s.nextRunAt(sched, now)
	if err != nil {
		s.recordFailure(ctx, sched, now, err)
		return
	}
	if err := s.store.ApplyScheduleRun(ctx, sched.ID, now, shared.FormatTime(nextRun)); err != nil {
		s.logger.Error("scheduler: apply run", "schedule_id", sched.ID, "error", err)
		return
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{ScheduleID: sched.ID, TaskID: task.ID})
	}
	s.logger.Info("schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", task.ID,
		"next_run_at", shared.FormatTime(nextRun),
	)
}

func (s *Scheduler) createTask(ctx context.Context, sched persistence.ScheduledTask, manual bool) (*persistence.Task, error) {
	tags := append([]string{}, sched.Tags...)
	tags = append(tags, "scheduled", "schedule:"+sched.Name)
	if manual {
		tags = append(tags, "manual-run")
	}
	return s.store.CreateTask(ctx, persistence.NewTask{
		AgentID:  sched.TargetAgentID,
		Task:     sched.TaskTemplate,
		Source:   persistence.SourceAPI,
		TaskType: sched.TaskType,
		Tags:     tags,
		Priority: sched.Priority,
	})
}

// nextRunAt computes the following firing time: the cron expression
// evaluated in the schedule's timezone, or last run plus the interval.
func (s *Scheduler) nextRunAt(sched persistence.ScheduledTask, after time.Time) (time.Time, error) {
	if sched.CronExpression != "" {
		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", sched.Timezone, err)
		}
		spec, err := cronParser.Parse(sched.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", sched.CronExpression, err)
		}
		return spec.Next(after.In(loc)), nil
	}
	return after.Add(time.Duration(sched.IntervalMs) * time.Millisecond), nil
}

func (s *Scheduler) recordFailure(ctx context.Context, sched persistence.ScheduledTask, now time.Time, cause error) {
	backoff := s.backoffBase << uint(min(sched.ConsecutiveErrors, 10))
	if backoff > s.backoffCap {
		backoff = s.backoffCap
	}
	next := shared.FormatTime(now.Add(backoff))
	count, err := s.store.RecordScheduleError(ctx, sched.ID, cause.Error(), next, s.autoDisableAfter)
	if err != nil {
		s.logger.Error("scheduler: record error", "schedule_id", sched.ID, "error", err)
		return
	}
	s.logger.Warn("schedule failed",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"consecutive_errors", count,
		"backoff", backoff,
		"error", cause,
	)
}
