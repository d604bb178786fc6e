package ingress

import (
	"context"
	"path/filepath"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agent-swarm/internal/persistence"
)

type fakeBot struct {
	sent []tgbotapi.Chattable
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	ch := make(chan tgbotapi.Update)
	close(ch)
	return ch
}

func (f *fakeBot) StopReceivingUpdates() {}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func openAdapterStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agent-swarm-db.sqlite"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func telegramUpdate(updateID int, userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			MessageID: updateID,
			From:      &tgbotapi.User{ID: userID, UserName: "tester"},
			Chat:      &tgbotapi.Chat{ID: 99},
			Text:      text,
		},
	}
}

func TestTelegram_RelaysIntoDefaultChannel(t *testing.T) {
	store := openAdapterStore(t)
	ctx := context.Background()

	adapter := NewTelegramAdapter("token", []int64{1}, store, nil)
	adapter.bot = &fakeBot{}

	adapter.handleMessage(ctx, telegramUpdate(100, 1, "hello swarm"))

	msgs, err := store.ListChannelMessages(ctx, persistence.DefaultChannelID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
}

func TestTelegram_DropsUnknownSenders(t *testing.T) {
	store := openAdapterStore(t)
	adapter := NewTelegramAdapter("token", []int64{1}, store, nil)
	adapter.bot = &fakeBot{}

	adapter.handleMessage(context.Background(), telegramUpdate(101, 42, "intruder"))

	msgs, _ := store.ListChannelMessages(context.Background(), persistence.DefaultChannelID, 10)
	if len(msgs) != 0 {
		t.Fatalf("unknown sender relayed: %d messages", len(msgs))
	}
}

func TestTelegram_DeduplicatesUpdates(t *testing.T) {
	store := openAdapterStore(t)
	adapter := NewTelegramAdapter("token", []int64{1}, store, nil)
	adapter.bot = &fakeBot{}
	ctx := context.Background()

	update := telegramUpdate(102, 1, "once only")
	adapter.handleMessage(ctx, update)
	adapter.handleMessage(ctx, update)

	msgs, _ := store.ListChannelMessages(ctx, persistence.DefaultChannelID, 10)
	if len(msgs) != 1 {
		t.Fatalf("duplicate update relayed: %d messages", len(msgs))
	}
}

func TestTelegram_TaskCommandSynthesisAndReply(t *testing.T) {
	store := openAdapterStore(t)
	ctx := context.Background()
	if _, _, err := store.RegisterAgent(ctx, "", "builder", false, 1, persistence.AgentProfile{}); err != nil {
		t.Fatal(err)
	}

	bot := &fakeBot{}
	adapter := NewTelegramAdapter("token", []int64{1}, store, nil)
	adapter.bot = bot

	adapter.handleMessage(ctx, telegramUpdate(103, 1, "/task @builder ship it"))

	tasks, _, err := store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("synthesised tasks = %d, want 1", len(tasks))
	}
	if len(bot.sent) != 1 {
		t.Fatalf("confirmation replies = %d, want 1", len(bot.sent))
	}
}

func TestTelegram_RateLimitsFloods(t *testing.T) {
	store := openAdapterStore(t)
	adapter := NewTelegramAdapter("token", []int64{1}, store, nil)
	adapter.bot = &fakeBot{}
	adapter.limiter = NewRateLimiter(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		adapter.handleMessage(ctx, telegramUpdate(200+i, 1, "spam"))
	}
	msgs, _ := store.ListChannelMessages(ctx, persistence.DefaultChannelID, 10)
	if len(msgs) != 2 {
		t.Fatalf("relayed = %d, want 2 (rate limited)", len(msgs))
	}
}
