package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agent-swarm/internal/persistence"
)

func TestCreateEpic_AutoProvisionsChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "epic-lead", true)

	epic, err := store.CreateEpic(ctx, persistence.NewEpic{
		Name:        "Ship V2 Launch!",
		Goal:        "everything green",
		LeadAgentID: lead.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if epic.Status != persistence.EpicStatusDraft {
		t.Fatalf("status = %q", epic.Status)
	}
	channel, err := store.GetChannel(ctx, epic.ChannelID)
	if err != nil {
		t.Fatal(err)
	}
	if channel.Name != "epic-ship-v2-launch" {
		t.Fatalf("channel name = %q", channel.Name)
	}

	if _, err := store.CreateEpic(ctx, persistence.NewEpic{Name: "Ship V2 Launch!"}); err == nil {
		t.Fatal("duplicate epic name must conflict")
	}
}

func TestGetEpicWithProgress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "epic-worker", false)

	epic, err := store.CreateEpic(ctx, persistence.NewEpic{Name: "progress-epic"})
	if err != nil {
		t.Fatal(err)
	}

	// Empty epic reports zero progress.
	ewp, err := store.GetEpicWithProgress(ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ewp.Total != 0 || ewp.Progress != 0 {
		t.Fatalf("empty epic progress = %+v", ewp.EpicProgress)
	}

	done := createTestTask(t, store, persistence.NewTask{Task: "t1", AgentID: w.ID, EpicID: epic.ID})
	if _, err := store.StartTask(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, done.ID, ""); err != nil {
		t.Fatal(err)
	}
	createTestTask(t, store, persistence.NewTask{Task: "t2", AgentID: w.ID, EpicID: epic.ID})
	running := createTestTask(t, store, persistence.NewTask{Task: "t3", AgentID: w.ID, EpicID: epic.ID})
	if _, err := store.StartTask(ctx, running.ID); err != nil {
		t.Fatal(err)
	}
	createTestTask(t, store, persistence.NewTask{Task: "t4", EpicID: epic.ID})

	ewp, err = store.GetEpicWithProgress(ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	p := ewp.EpicProgress
	if p.Total != 4 || p.Completed != 1 || p.InProgress != 1 || p.Pending != 1 || p.Unassigned != 1 {
		t.Fatalf("progress = %+v", p)
	}
	if p.Progress != 25 {
		t.Fatalf("percent = %d, want 25", p.Progress)
	}
}

func TestEpicsWithProgressUpdates_NotifyCycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	w := registerTestAgent(t, store, "epic-notify-worker", false)

	epic, err := store.CreateEpic(ctx, persistence.NewEpic{Name: "notify-epic"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateEpicStatus(ctx, epic.ID, persistence.EpicStatusActive); err != nil {
		t.Fatal(err)
	}

	// No completions yet: nothing to notify.
	updates, err := store.EpicsWithProgressUpdates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 0 {
		t.Fatalf("updates = %+v, want none", updates)
	}

	task := createTestTask(t, store, persistence.NewTask{Task: "child", AgentID: w.ID, EpicID: epic.ID})
	if _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, task.ID, ""); err != nil {
		t.Fatal(err)
	}

	updates, err = store.EpicsWithProgressUpdates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Epic.ID != epic.ID {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].Completed != 1 {
		t.Fatalf("completed = %d", updates[0].Completed)
	}

	if err := store.MarkEpicsProgressNotified(ctx, []string{epic.ID}); err != nil {
		t.Fatal(err)
	}
	updates, _ = store.EpicsWithProgressUpdates(ctx)
	if len(updates) != 0 {
		t.Fatal("notified epic must not resurface without new completions")
	}

	// A later completion resurfaces the epic.
	time.Sleep(2 * time.Millisecond)
	task2 := createTestTask(t, store, persistence.NewTask{Task: "child2", AgentID: w.ID, EpicID: epic.ID})
	if _, err := store.StartTask(ctx, task2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTask(ctx, task2.ID, ""); err != nil {
		t.Fatal(err)
	}
	updates, _ = store.EpicsWithProgressUpdates(ctx)
	if len(updates) != 1 {
		t.Fatalf("new completion must resurface the epic: %+v", updates)
	}
}

func TestUpdateEpicStatus_Timestamps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	epic, err := store.CreateEpic(ctx, persistence.NewEpic{Name: "ts-epic"})
	if err != nil {
		t.Fatal(err)
	}
	active, err := store.UpdateEpicStatus(ctx, epic.ID, persistence.EpicStatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if active.StartedAt == "" {
		t.Fatal("startedAt must stamp on activation")
	}
	completed, err := store.UpdateEpicStatus(ctx, epic.ID, persistence.EpicStatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if completed.CompletedAt == "" {
		t.Fatal("completedAt must stamp on completion")
	}
	if completed.StartedAt != active.StartedAt {
		t.Fatal("startedAt must not re-stamp")
	}

	if _, err := store.UpdateEpicStatus(ctx, epic.ID, "bogus"); err == nil {
		t.Fatal("invalid status must be rejected")
	}
}
