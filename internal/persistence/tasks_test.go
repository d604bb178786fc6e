package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/agent-swarm/internal/persistence"
)

func TestCreateTask_StatusDerivation(t *testing.T) {
	store := openTestStore(t)
	worker := registerTestAgent(t, store, "worker-derive", false)

	cases := []struct {
		name string
		nt   persistence.NewTask
		want persistence.TaskStatus
	}{
		{"pool", persistence.NewTask{Task: "a"}, persistence.TaskStatusUnassigned},
		{"assigned", persistence.NewTask{Task: "b", AgentID: worker.ID}, persistence.TaskStatusPending},
		{"offered", persistence.NewTask{Task: "c", OfferedTo: worker.ID}, persistence.TaskStatusOffered},
		{"backlog", persistence.NewTask{Task: "d", Backlog: true}, persistence.TaskStatusBacklog},
	}
	for _, tc := range cases {
		task := createTestTask(t, store, tc.nt)
		if task.Status != tc.want {
			t.Errorf("%s: status = %q, want %q", tc.name, task.Status, tc.want)
		}
	}
}

func TestCreateTask_EmptyTextRejected(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.CreateTask(context.Background(), persistence.NewTask{Task: "  "}); err == nil {
		t.Fatal("expected error for empty task text")
	}
}

// Concurrent claims: exactly one wins, the task binds to the winner.
func TestClaimTask_Exclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := registerTestAgent(t, store, "lead-a", true)
	b := registerTestAgent(t, store, "lead-b", true)
	task := createTestTask(t, store, persistence.NewTask{Task: "race me"})

	var wg sync.WaitGroup
	results := make([]*persistence.Task, 2)
	for i, agent := range []*persistence.Agent{a, b} {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			got, err := store.ClaimTask(ctx, task.ID, agentID)
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			results[i] = got
		}(i, agent.ID)
	}
	wg.Wait()

	winners := 0
	var winnerAgent string
	for i, res := range results {
		if res != nil {
			winners++
			winnerAgent = []string{a.ID, b.ID}[i]
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	fresh, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.AgentID != winnerAgent {
		t.Fatalf("task agent = %q, want winner %q", fresh.AgentID, winnerAgent)
	}
	if fresh.Status != persistence.TaskStatusPending {
		t.Fatalf("task status = %q", fresh.Status)
	}
}

// At most one ClaimOffered ever succeeds for a task.
func TestClaimOffered_Exclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-offer", false)
	task := createTestTask(t, store, persistence.NewTask{Task: "offered work", OfferedTo: w.ID})

	first, err := store.ClaimOffered(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.Status != persistence.TaskStatusReviewing {
		t.Fatalf("first claim = %+v", first)
	}
	second, err := store.ClaimOffered(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatal("second claim should lose")
	}
}

func TestClaimOffered_WrongAgentLoses(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-target", false)
	other := registerTestAgent(t, store, "worker-other", false)
	task := createTestTask(t, store, persistence.NewTask{Task: "targeted", OfferedTo: w.ID})

	got, err := store.ClaimOffered(ctx, task.ID, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("offer must only be claimable by its target")
	}
}

func TestAcceptReject_OfferFlow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-accept", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "accept me", OfferedTo: w.ID})
	accepted, err := store.AcceptTask(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if accepted == nil || accepted.Status != persistence.TaskStatusPending {
		t.Fatalf("accepted = %+v", accepted)
	}
	if accepted.AgentID != w.ID {
		t.Fatalf("agent binding = %q", accepted.AgentID)
	}
	if accepted.AcceptedAt == "" {
		t.Fatal("acceptedAt must be set on offered->pending")
	}

	rejectable := createTestTask(t, store, persistence.NewTask{Task: "reject me", OfferedTo: w.ID})
	rejected, err := store.RejectTask(ctx, rejectable.ID, w.ID, "busy elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if rejected == nil || rejected.Status != persistence.TaskStatusUnassigned {
		t.Fatalf("rejected = %+v", rejected)
	}
	if rejected.OfferedTo != "" || rejected.OfferedAt != "" {
		t.Fatalf("offer fields must clear: %+v", rejected)
	}
	if rejected.RejectionReason != "busy elsewhere" {
		t.Fatalf("rejection reason = %q", rejected.RejectionReason)
	}
}

// Terminal tasks never change status or agent binding again.
func TestTerminalFinality(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-final", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "finish me", AgentID: w.ID})
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	done, err := store.CompleteTask(ctx, task.ID, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if done.FinishedAt == "" {
		t.Fatal("finishedAt must be set")
	}

	mutations := []func() (*persistence.Task, error){
		func() (*persistence.Task, error) { return store.StartTask(ctx, task.ID) },
		func() (*persistence.Task, error) { return store.PauseTask(ctx, task.ID) },
		func() (*persistence.Task, error) { return store.CancelTask(ctx, task.ID, "no") },
		func() (*persistence.Task, error) { return store.FailTask(ctx, task.ID, "no") },
		func() (*persistence.Task, error) { return store.ClaimTask(ctx, task.ID, w.ID) },
		func() (*persistence.Task, error) { return store.SetTaskProgress(ctx, task.ID, "late") },
	}
	for i, mutate := range mutations {
		got, err := mutate()
		if err != nil {
			t.Fatalf("mutation %d errored: %v", i, err)
		}
		if got != nil {
			t.Fatalf("mutation %d changed a terminal task", i)
		}
	}
	fresh, _ := store.GetTask(ctx, task.ID)
	if fresh.Status != persistence.TaskStatusCompleted || fresh.AgentID != w.ID {
		t.Fatalf("terminal task mutated: %+v", fresh)
	}
}

func TestCancel_OnlyFromPendingOrInProgress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pool := createTestTask(t, store, persistence.NewTask{Task: "pooled"})
	if got, err := store.CancelTask(ctx, pool.ID, ""); err != nil || got != nil {
		t.Fatalf("cancel from unassigned should fail precondition: %v %v", got, err)
	}

	w := registerTestAgent(t, store, "worker-cancel", false)
	pending := createTestTask(t, store, persistence.NewTask{Task: "assigned", AgentID: w.ID})
	got, err := store.CancelTask(ctx, pending.ID, "changed plans")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != persistence.TaskStatusCancelled {
		t.Fatalf("cancel from pending = %+v", got)
	}
}

func TestPauseResume_PreservesBinding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-pause", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "long job", AgentID: w.ID})
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	paused, err := store.PauseTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != persistence.TaskStatusPaused || paused.AgentID != w.ID {
		t.Fatalf("paused = %+v", paused)
	}
	resumed, err := store.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != persistence.TaskStatusInProgress || resumed.AgentID != w.ID {
		t.Fatalf("resumed = %+v", resumed)
	}
}

func TestSetTaskProgress_CoercesPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-progress", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "steps", AgentID: w.ID})
	got, err := store.SetTaskProgress(ctx, task.ID, "step 1 of 3")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %q, want in_progress", got.Status)
	}
	if got.Progress != "step 1 of 3" {
		t.Fatalf("progress = %q", got.Progress)
	}
}

// The dependency gate: a pending task is never selected while a dependency
// is incomplete.
func TestNextPendingTaskForAgent_DependencyGate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-deps", false)

	first := createTestTask(t, store, persistence.NewTask{Task: "build", AgentID: w.ID})
	second := createTestTask(t, store, persistence.NewTask{
		Task: "deploy", AgentID: w.ID, DependsOn: []string{first.ID}, Priority: 10,
	})

	// Despite higher priority, the dependent task is blocked.
	next, err := store.NextPendingTaskForAgent(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("next = %+v, want %s", next, first.ID)
	}

	dep, err := store.CheckDependencies(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dep.Ready || len(dep.BlockedBy) != 1 || dep.BlockedBy[0] != first.ID {
		t.Fatalf("dependency status = %+v", dep)
	}

	if _, err := store.StartTask(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, first.ID, "done"); err != nil {
		t.Fatal(err)
	}

	next, err = store.NextPendingTaskForAgent(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("next after completion = %+v, want %s", next, second.ID)
	}
	dep, _ = store.CheckDependencies(ctx, second.ID)
	if !dep.Ready {
		t.Fatalf("dependency should be ready: %+v", dep)
	}
}

func TestCheckDependencies_MissingDependencyBlocks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-ghost", false)
	task := createTestTask(t, store, persistence.NewTask{
		Task: "haunted", AgentID: w.ID, DependsOn: []string{"no-such-task"},
	})
	dep, err := store.CheckDependencies(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dep.Ready {
		t.Fatal("missing dependency must block")
	}
}

func TestNextPendingTaskForAgent_PriorityThenAge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-order", false)

	low := createTestTask(t, store, persistence.NewTask{Task: "low", AgentID: w.ID, Priority: 1})
	high := createTestTask(t, store, persistence.NewTask{Task: "high", AgentID: w.ID, Priority: 5})
	_ = low

	next, err := store.NextPendingTaskForAgent(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != high.ID {
		t.Fatalf("next = %s, want high-priority %s", next.ID, high.ID)
	}
}

func TestMarkResetNotified(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-notify", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "report me", AgentID: w.ID})
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, task.ID, "done"); err != nil {
		t.Fatal(err)
	}

	finished, err := store.UnnotifiedFinishedWorkerTasks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 1 || finished[0].ID != task.ID {
		t.Fatalf("finished = %+v", finished)
	}

	if err := store.MarkTasksNotified(ctx, []string{task.ID}); err != nil {
		t.Fatal(err)
	}
	finished, _ = store.UnnotifiedFinishedWorkerTasks(ctx, 10)
	if len(finished) != 0 {
		t.Fatal("notified task must not reappear")
	}

	// Manual rollback re-delivers.
	if err := store.ResetTasksNotified(ctx, []string{task.ID}); err != nil {
		t.Fatal(err)
	}
	finished, _ = store.UnnotifiedFinishedWorkerTasks(ctx, 10)
	if len(finished) != 1 {
		t.Fatal("reset task must be re-delivered")
	}
}

func TestReleaseStaleReviewing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-stale", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "slow review", OfferedTo: w.ID})
	if _, err := store.ClaimOffered(ctx, task.ID, w.ID); err != nil {
		t.Fatal(err)
	}

	// Nothing is stale yet.
	released, err := store.ReleaseStaleReviewing(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatalf("released = %d, want 0", released)
	}

	// With a zero window everything in reviewing is stale.
	released, err = store.ReleaseStaleReviewing(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	fresh, _ := store.GetTask(ctx, task.ID)
	if fresh.Status != persistence.TaskStatusOffered {
		t.Fatalf("status after sweep = %q", fresh.Status)
	}
	if fresh.OfferedTo != w.ID {
		t.Fatal("offer must stay targeted after sweep")
	}
}

func TestUnobservedCancelledTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-observe", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "doomed", AgentID: w.ID})
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CancelTask(ctx, task.ID, "abort"); err != nil {
		t.Fatal(err)
	}

	got, err := store.UnobservedCancelledTask(ctx, w.ID, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("unobserved = %+v", got)
	}

	// A second poll does not observe it again.
	got, err = store.UnobservedCancelledTask(ctx, w.ID, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("cancellation must only surface once")
	}
}

func TestMoveBacklogAndPool(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := createTestTask(t, store, persistence.NewTask{Task: "hidden", Backlog: true})
	count, err := store.PoolCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("backlog must be invisible to the pool, count = %d", count)
	}

	moved, err := store.MoveTaskToPool(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Status != persistence.TaskStatusUnassigned {
		t.Fatalf("moved = %+v", moved)
	}
	count, _ = store.PoolCount(ctx)
	if count != 1 {
		t.Fatalf("pool count = %d", count)
	}

	back, err := store.MoveTaskToBacklog(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if back.Status != persistence.TaskStatusBacklog {
		t.Fatalf("back = %+v", back)
	}
}

// Every successful transition writes exactly one task_status_change row
// with matching old and new values.
func TestLogFidelity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-logs", false)

	task := createTestTask(t, store, persistence.NewTask{Task: "audited", AgentID: w.ID})
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PauseTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ResumeTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, task.ID, "fin"); err != nil {
		t.Fatal(err)
	}

	logs, err := store.ListLogs(ctx, persistence.LogFilter{
		TaskID:    task.ID,
		EventType: "task_status_change",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{
		"pending->in_progress":   1,
		"in_progress->paused":    1,
		"paused->in_progress":    1,
		"in_progress->completed": 1,
	}
	if len(logs) != 4 {
		t.Fatalf("log rows = %d, want 4", len(logs))
	}
	got := map[string]int{}
	for _, l := range logs {
		got[l.OldValue+"->"+l.NewValue]++
	}
	for transition, n := range want {
		if got[transition] != n {
			t.Errorf("transition %s logged %d times, want %d", transition, got[transition], n)
		}
	}
}

func TestListTasks_FiltersAndTotal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "worker-list", false)

	createTestTask(t, store, persistence.NewTask{Task: "one", AgentID: w.ID, Tags: []string{"build"}})
	createTestTask(t, store, persistence.NewTask{Task: "two", AgentID: w.ID})
	createTestTask(t, store, persistence.NewTask{Task: "three"})

	tasks, total, err := store.ListTasks(ctx, persistence.TaskFilter{AgentID: w.ID})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(tasks) != 2 {
		t.Fatalf("agent filter: total=%d len=%d", total, len(tasks))
	}

	tasks, total, err = store.ListTasks(ctx, persistence.TaskFilter{Tag: "build"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || tasks[0].Task != "one" {
		t.Fatalf("tag filter: total=%d", total)
	}

	_, total, err = store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatusUnassigned})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("status filter: total=%d", total)
	}
}
