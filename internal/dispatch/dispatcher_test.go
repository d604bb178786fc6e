package dispatch_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agent-swarm/internal/dispatch"
	"github.com/basket/agent-swarm/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent-swarm-db.sqlite")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newDispatcher(store *persistence.Store) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{Store: store})
}

func register(t *testing.T, store *persistence.Store, name string, isLead bool) *persistence.Agent {
	t.Helper()
	agent, _, err := store.RegisterAgent(context.Background(), "", name, isLead, 1, persistence.AgentProfile{})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return agent
}

func poll(t *testing.T, d *dispatch.Dispatcher, agentID string) *dispatch.PollResult {
	t.Helper()
	res, err := d.Poll(context.Background(), agentID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return res
}

// The full offer/accept/execute/report cycle between a lead and a worker.
func TestPoll_OfferAcceptCompleteCycle(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	lead := register(t, store, "lead", true)
	worker := register(t, store, "worker", false)

	task, err := store.CreateTask(ctx, persistence.NewTask{Task: "build"})
	if err != nil {
		t.Fatal(err)
	}

	// Lead sees the pool.
	res := poll(t, d, lead.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerPoolTasksAvailable {
		t.Fatalf("lead trigger = %+v", res.Trigger)
	}
	if res.Trigger.PoolCount != 1 {
		t.Fatalf("pool count = %d", res.Trigger.PoolCount)
	}

	// Lead offers to the worker.
	if _, err := store.OfferTask(ctx, task.ID, worker.ID); err != nil {
		t.Fatal(err)
	}

	// Worker polls: the offer arrives and moves to reviewing atomically.
	res = poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerTaskOffered {
		t.Fatalf("worker trigger = %+v", res.Trigger)
	}
	if res.Trigger.Task.Status != persistence.TaskStatusReviewing {
		t.Fatalf("offer status = %q", res.Trigger.Task.Status)
	}

	// A second poll never returns the same offer.
	res = poll(t, d, worker.ID)
	if res.Trigger != nil && res.Trigger.Type == dispatch.TriggerTaskOffered {
		t.Fatal("offer returned twice")
	}

	// Worker accepts; the next poll hands out the assignment.
	if _, err := store.AcceptTask(ctx, task.ID, worker.ID); err != nil {
		t.Fatal(err)
	}
	res = poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerTaskAssigned {
		t.Fatalf("assignment trigger = %+v", res.Trigger)
	}
	if res.Trigger.Task.ID != task.ID {
		t.Fatalf("assigned task = %s", res.Trigger.Task.ID)
	}

	// Worker executes and finishes.
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecomputeAgentStatus(ctx, worker.ID); err != nil {
		t.Fatal(err)
	}
	busy, _ := store.GetAgent(ctx, worker.ID)
	if busy.Status != persistence.AgentStatusBusy {
		t.Fatalf("worker status = %q, want busy", busy.Status)
	}
	if _, err := store.CompleteTask(ctx, task.ID, "ok"); err != nil {
		t.Fatal(err)
	}

	// Lead is told exactly once.
	res = poll(t, d, lead.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerWorkerTaskFinished {
		t.Fatalf("finished trigger = %+v", res.Trigger)
	}
	if len(res.Trigger.Tasks) != 1 || res.Trigger.Tasks[0].ID != task.ID {
		t.Fatalf("finished tasks = %+v", res.Trigger.Tasks)
	}
	res = poll(t, d, lead.ID)
	if res.Trigger != nil && res.Trigger.Type == dispatch.TriggerWorkerTaskFinished {
		t.Fatal("finished task delivered twice")
	}
}

// Dependency gating: the same ready task is returned until its dependency
// completes, then the dependent becomes eligible.
func TestPoll_DependencyOrdering(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	worker := register(t, store, "dep-worker", false)
	a, err := store.CreateTask(ctx, persistence.NewTask{Task: "A", AgentID: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.CreateTask(ctx, persistence.NewTask{Task: "B", AgentID: worker.ID, DependsOn: []string{a.ID}})
	if err != nil {
		t.Fatal(err)
	}

	res := poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Task.ID != a.ID {
		t.Fatalf("first poll = %+v, want task A", res.Trigger)
	}

	// No forward progress: polling again still returns A.
	res = poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Task.ID != a.ID {
		t.Fatalf("second poll = %+v, want task A again", res.Trigger)
	}

	if _, err := store.StartTask(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}

	res = poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Task.ID != b.ID {
		t.Fatalf("post-completion poll = %+v, want task B", res.Trigger)
	}
}

func TestPoll_CancellationWins(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	worker := register(t, store, "cancel-worker", false)
	doomed, err := store.CreateTask(ctx, persistence.NewTask{Task: "doomed", AgentID: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	other, err := store.CreateTask(ctx, persistence.NewTask{Task: "other", AgentID: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	_ = other
	if _, err := store.StartTask(ctx, doomed.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CancelTask(ctx, doomed.ID, "abort"); err != nil {
		t.Fatal(err)
	}

	// Cancellation outranks the pending assignment.
	res := poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerTaskCancelled {
		t.Fatalf("trigger = %+v, want task_cancelled", res.Trigger)
	}
	if res.Trigger.Task.ID != doomed.ID {
		t.Fatalf("cancelled task = %s", res.Trigger.Task.ID)
	}

	// Observed once; the next poll moves on to the assignment.
	res = poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerTaskAssigned {
		t.Fatalf("second poll = %+v", res.Trigger)
	}
}

func TestPoll_PausedResumption(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	worker := register(t, store, "paused-worker", false)
	task, err := store.CreateTask(ctx, persistence.NewTask{Task: "interrupted", AgentID: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PauseTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	res := poll(t, d, worker.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerTaskPaused {
		t.Fatalf("trigger = %+v, want task_paused", res.Trigger)
	}
	if res.Trigger.Task.ID != task.ID {
		t.Fatalf("paused task = %s", res.Trigger.Task.ID)
	}
}

// The mention claim is exclusive across polls until release.
func TestPoll_MentionClaimCycle(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	lead := register(t, store, "mention-lead", true)
	sender := register(t, store, "mention-sender", false)

	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, sender.ID,
		"@mention-lead please triage", ""); err != nil {
		t.Fatal(err)
	}

	res := poll(t, d, lead.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerUnreadMentions {
		t.Fatalf("trigger = %+v, want unread_mentions", res.Trigger)
	}
	if len(res.Trigger.Channels) != 1 || res.Trigger.Channels[0].ChannelID != persistence.DefaultChannelID {
		t.Fatalf("channels = %+v", res.Trigger.Channels)
	}

	// While processing, the mention does not resurface; with an empty pool
	// and nothing else to do, the poll is empty.
	res = poll(t, d, lead.ID)
	if res.Trigger != nil {
		t.Fatalf("claimed mention resurfaced: %+v", res.Trigger)
	}

	if err := store.ReleaseMentionProcessing(ctx, lead.ID, []string{persistence.DefaultChannelID}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, sender.ID,
		"@mention-lead again", ""); err != nil {
		t.Fatal(err)
	}
	res = poll(t, d, lead.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerUnreadMentions {
		t.Fatalf("fresh mention not delivered: %+v", res.Trigger)
	}
}

func TestPoll_EpicProgressForLeads(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	lead := register(t, store, "epic-lead", true)
	worker := register(t, store, "epic-worker", false)

	epic, err := store.CreateEpic(ctx, persistence.NewEpic{Name: "poll-epic", LeadAgentID: lead.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateEpicStatus(ctx, epic.ID, persistence.EpicStatusActive); err != nil {
		t.Fatal(err)
	}
	child, err := store.CreateTask(ctx, persistence.NewTask{Task: "child", AgentID: worker.ID, EpicID: epic.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartTask(ctx, child.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, child.ID, ""); err != nil {
		t.Fatal(err)
	}
	// Consume the worker_task_finished signal ordering: epic progress ranks
	// above finished worker tasks, so the first poll carries the epic.
	res := poll(t, d, lead.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerEpicProgress {
		t.Fatalf("trigger = %+v, want epic_progress", res.Trigger)
	}
	if len(res.Trigger.Epics) != 1 || res.Trigger.Epics[0].Completed != 1 {
		t.Fatalf("epics = %+v", res.Trigger.Epics)
	}

	// The same progress is not redelivered; the finished worker task is next.
	res = poll(t, d, lead.ID)
	if res.Trigger == nil || res.Trigger.Type != dispatch.TriggerWorkerTaskFinished {
		t.Fatalf("second poll = %+v, want worker_task_finished", res.Trigger)
	}
}

func TestPoll_EmptyPollBlocksAfterThreshold(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)

	worker := register(t, store, "idle-worker", false)

	res := poll(t, d, worker.ID)
	if res.Trigger != nil || res.Blocked {
		t.Fatalf("first empty poll = %+v", res)
	}
	if res.EmptyPolls != 1 {
		t.Fatalf("empty polls = %d", res.EmptyPolls)
	}

	res = poll(t, d, worker.ID)
	if !res.Blocked {
		t.Fatalf("second consecutive empty poll must block: %+v", res)
	}

	// Any non-empty poll resets the counter.
	task, err := store.CreateTask(context.Background(), persistence.NewTask{Task: "wake", AgentID: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	_ = task
	res = poll(t, d, worker.ID)
	if res.Trigger == nil {
		t.Fatalf("expected assignment: %+v", res)
	}
	fresh, _ := store.GetAgent(context.Background(), worker.ID)
	if fresh.EmptyPollCount != 0 {
		t.Fatalf("counter not reset: %d", fresh.EmptyPollCount)
	}
}

func TestPoll_WorkersNeverSeeLeadSignals(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	worker := register(t, store, "plain-worker", false)
	if _, err := store.CreateTask(ctx, persistence.NewTask{Task: "pool task"}); err != nil {
		t.Fatal(err)
	}

	res := poll(t, d, worker.ID)
	if res.Trigger != nil {
		t.Fatalf("worker saw a lead signal: %+v", res.Trigger)
	}
}

func TestPoll_CapacityGatesAssignment(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	ctx := context.Background()

	worker := register(t, store, "full-worker", false) // maxTasks=1
	running, err := store.CreateTask(ctx, persistence.NewTask{Task: "running", AgentID: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartTask(ctx, running.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateTask(ctx, persistence.NewTask{Task: "queued", AgentID: worker.ID}); err != nil {
		t.Fatal(err)
	}

	res := poll(t, d, worker.ID)
	if res.Trigger != nil && res.Trigger.Type == dispatch.TriggerTaskAssigned {
		t.Fatal("assignment handed to an agent at capacity")
	}
}

func TestPoll_UnknownAgent(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store)
	if _, err := d.Poll(context.Background(), "no-such-agent"); err == nil {
		t.Fatal("unknown agent must error")
	}
}

func TestForceSweep(t *testing.T) {
	store := openTestStore(t)
	d := dispatch.New(dispatch.Config{
		Store:             store,
		ReviewingTimeout:  time.Millisecond,
		ProcessingTimeout: time.Millisecond,
		SessionTimeout:    time.Hour,
	})
	ctx := context.Background()

	worker := register(t, store, "sweep-worker", false)
	task, err := store.CreateTask(ctx, persistence.NewTask{Task: "swept", OfferedTo: worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimOffered(ctx, task.ID, worker.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := d.ForceSweep(ctx); err != nil {
		t.Fatal(err)
	}
	fresh, _ := store.GetTask(ctx, task.ID)
	if fresh.Status != persistence.TaskStatusOffered {
		t.Fatalf("status after sweep = %q, want offered", fresh.Status)
	}
}
