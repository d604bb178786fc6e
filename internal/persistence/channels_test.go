package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agent-swarm/internal/persistence"
)

func TestPostChannelMessage_MentionExtraction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	alice := registerTestAgent(t, store, "alice", true)
	bob := registerTestAgent(t, store, "bob", false)

	msg, taskIDs, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, alice.ID,
		"hey @bob and @nobody, look at this", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(taskIDs) != 0 {
		t.Fatalf("plain message created tasks: %v", taskIDs)
	}
	if len(msg.Mentions) != 1 || msg.Mentions[0] != bob.ID {
		t.Fatalf("mentions = %v, want [%s]", msg.Mentions, bob.ID)
	}
}

func TestPostChannelMessage_TaskSynthesis(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "lead", true)
	w1 := registerTestAgent(t, store, "w1", false)
	w2 := registerTestAgent(t, store, "w2", false)

	_, taskIDs, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, lead.ID,
		"/task @w1 @w2 @w1 ship the release", "")
	if err != nil {
		t.Fatal(err)
	}
	// One task per distinct mentioned agent.
	if len(taskIDs) != 2 {
		t.Fatalf("tasks created = %d, want 2", len(taskIDs))
	}
	for _, id := range taskIDs {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status != persistence.TaskStatusPending {
			t.Fatalf("synthesised task status = %q", task.Status)
		}
		if task.AgentID != w1.ID && task.AgentID != w2.ID {
			t.Fatalf("synthesised task agent = %q", task.AgentID)
		}
		if task.MentionChannelID != persistence.DefaultChannelID {
			t.Fatalf("mention provenance missing: %+v", task)
		}
	}
}

func TestPostChannelMessage_ThreadInheritance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "thread-lead", true)
	worker := registerTestAgent(t, store, "thread-worker", false)

	parent, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, lead.ID,
		"@thread-worker please review", "")
	if err != nil {
		t.Fatal(err)
	}

	// Reply without explicit mentions inherits the parent's, for
	// notification only: no tasks even with a /task prefix elsewhere.
	reply, taskIDs, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, lead.ID,
		"ping on this", parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Mentions) != 1 || reply.Mentions[0] != worker.ID {
		t.Fatalf("inherited mentions = %v", reply.Mentions)
	}
	if len(taskIDs) != 0 {
		t.Fatal("inherited mentions must not create tasks")
	}

	// Replies with explicit mentions do not inherit.
	other := registerTestAgent(t, store, "thread-other", false)
	reply2, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, lead.ID,
		"@thread-other take over", parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply2.Mentions) != 1 || reply2.Mentions[0] != other.ID {
		t.Fatalf("explicit mentions = %v", reply2.Mentions)
	}
}

func TestClaimMentions_MutualExclusion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "claimer", true)
	other := registerTestAgent(t, store, "other-sender", false)

	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, other.ID,
		"@claimer you are needed", ""); err != nil {
		t.Fatal(err)
	}

	claimed, err := store.ClaimMentions(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ChannelID != persistence.DefaultChannelID {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed[0].Unread != 1 {
		t.Fatalf("unread = %d", claimed[0].Unread)
	}

	// Second claim while processing returns nothing.
	second, err := store.ClaimMentions(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim = %+v, want empty", second)
	}

	// Release re-arms the channel, and advances last_read past the handled
	// messages so the mention does not resurface.
	if err := store.ReleaseMentionProcessing(ctx, lead.ID, []string{persistence.DefaultChannelID}); err != nil {
		t.Fatal(err)
	}
	third, err := store.ClaimMentions(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 0 {
		t.Fatalf("handled mention resurfaced: %+v", third)
	}

	// A fresh mention is claimable again. Timestamps carry millisecond
	// precision, so step past the release stamp first.
	time.Sleep(2 * time.Millisecond)
	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, other.ID,
		"@claimer once more", ""); err != nil {
		t.Fatal(err)
	}
	fourth, err := store.ClaimMentions(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fourth) != 1 {
		t.Fatalf("fresh mention not claimable: %+v", fourth)
	}
}

func TestReleaseStaleMentionProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "stale-lead", true)
	sender := registerTestAgent(t, store, "stale-sender", false)

	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, sender.ID,
		"@stale-lead stuck claim", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimMentions(ctx, lead.ID); err != nil {
		t.Fatal(err)
	}

	// Not stale with a generous timeout.
	released, err := store.ReleaseStaleMentionProcessing(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatalf("released = %d, want 0", released)
	}

	// Everything is stale with a negative timeout.
	released, err = store.ReleaseStaleMentionProcessing(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	// Claimable again after the sweep.
	claimed, err := store.ClaimMentions(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("post-sweep claim = %+v", claimed)
	}
}

func TestUnreadMentions_OwnMessagesExcluded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "self-mention", true)

	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, lead.ID,
		"note to @self-mention", ""); err != nil {
		t.Fatal(err)
	}
	channels, err := store.UnreadMentionChannels(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 0 {
		t.Fatalf("own messages must not count as unread mentions: %+v", channels)
	}
}

func TestCreateChannel_UniqueName(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateChannel(ctx, "builds", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateChannel(ctx, "builds", "", ""); err == nil {
		t.Fatal("duplicate channel name must conflict")
	}
}

func TestMarkChannelRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lead := registerTestAgent(t, store, "reader", true)
	sender := registerTestAgent(t, store, "writer", false)

	if _, _, err := store.PostChannelMessage(ctx, persistence.DefaultChannelID, sender.ID,
		"@reader old news", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkChannelRead(ctx, lead.ID, persistence.DefaultChannelID); err != nil {
		t.Fatal(err)
	}
	channels, err := store.UnreadMentionChannels(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 0 {
		t.Fatalf("read messages still unread: %+v", channels)
	}
}
