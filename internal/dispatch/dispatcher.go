// Package dispatch implements the poll endpoint's trigger selection: the
// single place the kernel linearises "what should this agent do next".
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agent-swarm/internal/persistence"
)

// TriggerType enumerates the actions a poll can hand to an agent.
type TriggerType string

const (
	TriggerTaskCancelled      TriggerType = "task_cancelled"
	TriggerTaskOffered        TriggerType = "task_offered"
	TriggerTaskAssigned       TriggerType = "task_assigned"
	TriggerTaskPaused         TriggerType = "task_paused"
	TriggerUnreadMentions     TriggerType = "unread_mentions"
	TriggerPoolTasksAvailable TriggerType = "pool_tasks_available"
	TriggerEpicProgress       TriggerType = "epic_progress"
	TriggerWorkerTaskFinished TriggerType = "worker_task_finished"
)

// Trigger is the single unit returned by a poll.
type Trigger struct {
	Type      TriggerType                    `json:"type"`
	Task      *persistence.Task              `json:"task,omitempty"`
	Tasks     []persistence.Task             `json:"tasks,omitempty"`
	Channels  []persistence.ClaimedChannel   `json:"channels,omitempty"`
	Epics     []persistence.EpicWithProgress `json:"epics,omitempty"`
	PoolCount int                            `json:"poolCount,omitempty"`
}

// PollResult wraps a trigger with the empty-poll bookkeeping the worker
// loop uses for its backoff.
type PollResult struct {
	Trigger    *Trigger `json:"trigger"`
	EmptyPolls int      `json:"emptyPolls,omitempty"`
	Blocked    bool     `json:"blocked,omitempty"`
}

// cancelledWindow bounds how long after cancellation the signal is
// surfaced to the owning worker.
const cancelledWindow = 5 * time.Minute

// sweepInterval throttles the opportunistic stale sweeps so a hot poll loop
// does not rescan on every request.
const sweepInterval = 30 * time.Second

// Config holds the dispatcher dependencies.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// ReviewingTimeout releases reviewing offers back to offered.
	ReviewingTimeout time.Duration
	// ProcessingTimeout releases stale mention and inbox claims.
	ProcessingTimeout time.Duration
	// SessionTimeout removes sessions with stale heartbeats.
	SessionTimeout time.Duration
}

// Dispatcher evaluates trigger precedence for each poll.
type Dispatcher struct {
	store  *persistence.Store
	logger *slog.Logger

	reviewingTimeout  time.Duration
	processingTimeout time.Duration
	sessionTimeout    time.Duration

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// New creates a Dispatcher with the given config.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:             cfg.Store,
		logger:            logger,
		reviewingTimeout:  cfg.ReviewingTimeout,
		processingTimeout: cfg.ProcessingTimeout,
		sessionTimeout:    cfg.SessionTimeout,
	}
	if d.reviewingTimeout <= 0 {
		d.reviewingTimeout = 30 * time.Minute
	}
	if d.processingTimeout <= 0 {
		d.processingTimeout = 30 * time.Minute
	}
	if d.sessionTimeout <= 0 {
		d.sessionTimeout = 30 * time.Minute
	}
	return d
}

// Poll returns at most one trigger for the agent, first match wins:
// cancellation, offer, ready assignment, paused resumption, then the
// lead-only signals (mentions, pool, epic progress, finished worker tasks).
// An empty poll increments the agent's counter; MaxEmptyPolls consecutive
// empties report blocked so the worker loop sleeps.
func (d *Dispatcher) Poll(ctx context.Context, agentID string) (*PollResult, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	d.maybeSweep(ctx)

	trigger, err := d.selectTrigger(ctx, agent)
	if err != nil {
		return nil, err
	}

	if trigger == nil {
		count, err := d.store.IncrementEmptyPoll(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return &PollResult{EmptyPolls: count, Blocked: count >= persistence.MaxEmptyPolls}, nil
	}

	if err := d.store.ResetEmptyPoll(ctx, agentID); err != nil {
		return nil, err
	}
	d.logger.Debug("poll trigger", "agent_id", agentID, "type", trigger.Type)
	return &PollResult{Trigger: trigger}, nil
}

func (d *Dispatcher) selectTrigger(ctx context.Context, agent *persistence.Agent) (*Trigger, error) {
	// 1. Cancellation the worker has not observed yet.
	if t, err := d.store.UnobservedCancelledTask(ctx, agent.ID, cancelledWindow); err != nil {
		return nil, err
	} else if t != nil {
		return &Trigger{Type: TriggerTaskCancelled, Task: t}, nil
	}

	// 2. Offers targeted at this agent. The offered->reviewing transition is
	// atomic; an offer lost to a concurrent poll is skipped.
	for {
		offered, err := d.store.OfferedTaskFor(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		if offered == nil {
			break
		}
		claimed, err := d.store.ClaimOffered(ctx, offered.ID, agent.ID)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return &Trigger{Type: TriggerTaskOffered, Task: claimed}, nil
		}
	}

	// 3. Ready assigned work, when the agent has spare capacity.
	hasCapacity, err := d.store.AgentHasCapacity(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if hasCapacity {
		next, err := d.store.NextPendingTaskForAgent(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		if next != nil {
			return &Trigger{Type: TriggerTaskAssigned, Task: next}, nil
		}
	}

	// 4. Paused work awaiting resumption.
	paused, err := d.store.PausedTaskFor(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if paused != nil {
		return &Trigger{Type: TriggerTaskPaused, Task: paused}, nil
	}

	if !agent.IsLead {
		return nil, nil
	}

	// 5a. Unread mentions, claimed atomically per channel.
	channels, err := d.store.ClaimMentions(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		return &Trigger{Type: TriggerUnreadMentions, Channels: channels}, nil
	}

	// 5b. Pool availability.
	poolCount, err := d.store.PoolCount(ctx)
	if err != nil {
		return nil, err
	}
	if poolCount > 0 {
		return &Trigger{Type: TriggerPoolTasksAvailable, PoolCount: poolCount}, nil
	}

	// 5c. Epic progress since the last notification. Marked before return:
	// at-least-once with manual rollback via notified-reset is the contract.
	epics, err := d.store.EpicsWithProgressUpdates(ctx)
	if err != nil {
		return nil, err
	}
	if len(epics) > 0 {
		ids := make([]string, len(epics))
		for i, e := range epics {
			ids[i] = e.Epic.ID
		}
		if err := d.store.MarkEpicsProgressNotified(ctx, ids); err != nil {
			return nil, err
		}
		return &Trigger{Type: TriggerEpicProgress, Epics: epics}, nil
	}

	// 5d. Finished worker tasks not yet surfaced to any lead.
	finished, err := d.store.UnnotifiedFinishedWorkerTasks(ctx, 10)
	if err != nil {
		return nil, err
	}
	if len(finished) > 0 {
		ids := make([]string, len(finished))
		for i, t := range finished {
			ids[i] = t.ID
		}
		if err := d.store.MarkTasksNotified(ctx, ids); err != nil {
			return nil, err
		}
		return &Trigger{Type: TriggerWorkerTaskFinished, Tasks: finished}, nil
	}

	return nil, nil
}

// maybeSweep runs the stale sweeps at most once per sweepInterval. Sweep
// failures are logged and never fail the poll.
func (d *Dispatcher) maybeSweep(ctx context.Context) {
	d.sweepMu.Lock()
	if time.Since(d.lastSweep) < sweepInterval {
		d.sweepMu.Unlock()
		return
	}
	d.lastSweep = time.Now()
	d.sweepMu.Unlock()

	if n, err := d.store.ReleaseStaleReviewing(ctx, d.reviewingTimeout); err != nil {
		d.logger.Warn("stale reviewing sweep failed", "error", err)
	} else if n > 0 {
		d.logger.Info("released stale reviewing tasks", "count", n)
	}
	if n, err := d.store.ReleaseStaleMentionProcessing(ctx, d.processingTimeout); err != nil {
		d.logger.Warn("stale mention sweep failed", "error", err)
	} else if n > 0 {
		d.logger.Info("released stale mention claims", "count", n)
	}
	if n, err := d.store.ReleaseStaleInboxProcessing(ctx, d.processingTimeout); err != nil {
		d.logger.Warn("stale inbox sweep failed", "error", err)
	} else if n > 0 {
		d.logger.Info("released stale inbox claims", "count", n)
	}
	if n, err := d.store.CleanupStaleSessions(ctx, d.sessionTimeout); err != nil {
		d.logger.Warn("stale session cleanup failed", "error", err)
	} else if n > 0 {
		d.logger.Info("removed stale sessions", "count", n)
	}
}

// ForceSweep runs all sweeps immediately regardless of the throttle. Used
// by the periodic background loop and tests.
func (d *Dispatcher) ForceSweep(ctx context.Context) error {
	d.sweepMu.Lock()
	d.lastSweep = time.Now()
	d.sweepMu.Unlock()

	if _, err := d.store.ReleaseStaleReviewing(ctx, d.reviewingTimeout); err != nil {
		return fmt.Errorf("stale reviewing: %w", err)
	}
	if _, err := d.store.ReleaseStaleMentionProcessing(ctx, d.processingTimeout); err != nil {
		return fmt.Errorf("stale mentions: %w", err)
	}
	if _, err := d.store.ReleaseStaleInboxProcessing(ctx, d.processingTimeout); err != nil {
		return fmt.Errorf("stale inbox: %w", err)
	}
	if _, err := d.store.CleanupStaleSessions(ctx, d.sessionTimeout); err != nil {
		return fmt.Errorf("stale sessions: %w", err)
	}
	return nil
}
