package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agent-swarm/internal/audit"
	"github.com/basket/agent-swarm/internal/persistence"
)

// TelegramAdapter long-polls the bot API and relays allowed messages into
// the default channel, where mention extraction and /task synthesis apply.
// Per-user rate limiting bounds floods; unknown senders are dropped.
type TelegramAdapter struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	dedupe     *Deduper
	limiter    *RateLimiter

	bot botClient
}

// botClient is the slice of tgbotapi.BotAPI the adapter uses; tests inject
// a fake.
type botClient interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewTelegramAdapter creates the adapter.
func NewTelegramAdapter(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramAdapter {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramAdapter{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		logger:     logger,
		dedupe:     NewDeduper(),
		limiter:    NewRateLimiter(20),
	}
}

// Start connects the bot and consumes updates until the context ends.
// Reconnects use exponential backoff.
func (t *TelegramAdapter) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init: %w", err)
		}
		t.bot = bot
		t.logger.Info("telegram adapter started", "user", bot.Self.UserName)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		err := t.consume(ctx, updates)
		t.bot.StopReceivingUpdates()
		if err == nil {
			return nil
		}

		t.logger.Warn("telegram polling interrupted", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramAdapter) consume(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleMessage(ctx, update)
		}
	}
}

func (t *TelegramAdapter) handleMessage(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	userID := msg.From.ID
	if _, ok := t.allowedIDs[userID]; !ok {
		audit.Record("deny", "ingress.telegram", "sender_not_allowed", fmt.Sprintf("user:%d", userID))
		return
	}
	ev := ChatEvent{
		UpdateID: int64(update.UpdateID),
		UserID:   userID,
		Username: msg.From.UserName,
		Text:     msg.Text,
	}
	if t.dedupe.Seen(ev.Key()) {
		return
	}
	if !t.limiter.Allow(fmt.Sprintf("tg:%d", userID)) {
		t.logger.Warn("telegram sender rate limited", "user_id", userID)
		return
	}

	content := ev.Text
	if ev.Username != "" {
		content = fmt.Sprintf("[telegram:%s] %s", ev.Username, ev.Text)
		// Keep any /task prefix at the start so synthesis still applies.
		if strings.HasPrefix(strings.TrimSpace(ev.Text), "/task") {
			content = ev.Text
		}
	}

	posted, taskIDs, err := t.store.PostChannelMessage(ctx, persistence.DefaultChannelID, "", content, "")
	if err != nil {
		t.logger.Error("telegram relay failed", "update_id", ev.UpdateID, "error", err)
		return
	}
	t.logger.Info("telegram message relayed",
		"update_id", ev.UpdateID,
		"message_id", posted.ID,
		"mentions", len(posted.Mentions),
		"tasks_created", len(taskIDs),
	)

	if len(taskIDs) > 0 {
		reply := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("created %d task(s)", len(taskIDs)))
		reply.ReplyToMessageID = msg.MessageID
		if _, err := t.bot.Send(reply); err != nil {
			// Outbound confirmations are best-effort.
			t.logger.Warn("telegram reply failed", "error", err)
		}
	}
}
