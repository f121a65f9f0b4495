package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/store"
)

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *store.Store
	events     *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, st *store.Store, events *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      st,
		events:     events,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage appends one inbound message to the store. Telegram message ids
// are only unique within a chat, so the stored id is composed with the chat id.
// Duplicate deliveries after a reconnect insert nothing and publish nothing.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	messageID := messageKey(msg.Chat.ID, msg.MessageID)

	record := store.Message{
		Channel:    t.Name(),
		MessageID:  messageID,
		ChatID:     chatID,
		Sender:     msg.From.UserName,
		Text:       content,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.ReplyToMessage != nil {
		record.ReplyTo = messageKey(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}

	inserted, err := t.store.Append(ctx, record)
	if err != nil {
		t.logger.Error("failed to store telegram message", "message_id", messageID, "error", err)
		return
	}
	if !inserted {
		t.logger.Debug("duplicate telegram message ignored", "message_id", messageID)
		return
	}

	t.events.Publish(bus.TopicMessageReceived, bus.MessageReceivedEvent{
		Channel:   t.Name(),
		MessageID: messageID,
		ChatID:    chatID,
	})
}

// Notify sends a reply and records it so conversational context survives
// restarts.
func (t *TelegramChannel) Notify(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
		return fmt.Errorf("send telegram reply: %w", err)
	}
	if err := t.store.SaveBotReply(ctx, t.Name(), chatID, text, ""); err != nil {
		t.logger.Warn("failed to record bot reply", "chat_id", chatID, "error", err)
	}
	return nil
}

// messageKey composes a store-unique message id from Telegram's per-chat ids.
func messageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d/%d", chatID, messageID)
}
