// Package channels binds an external chat platform to the runtime's
// goal intake and Messaging transport. Telegram is the one binding this
// runtime ships.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/store"
)

// TelegramChannel both ingests operator chat messages as new Goals and
// implements messaging.Transport, so the Orchestrator can route
// alert/customer_request envelopes back to the chat that raised them.
// "to" addresses of the form "telegram:<chatID>" are this transport's.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *store.Store
	events     *eventstream.Stream
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	mu       sync.Mutex
	goalChat map[string]int64 // goalID -> chatID, for routing completions back
}

const telegramAddrPrefix = "telegram:"

func NewTelegramChannel(token string, allowedIDs []int64, s *store.Store, events *eventstream.Stream, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      s,
		events:     events,
		logger:     logger,
		goalChat:   make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Send implements messaging.Transport: to is "telegram:<chatID>", payload
// is the message text.
func (t *TelegramChannel) Send(ctx context.Context, to string, payload []byte) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: bot not started")
	}
	chatID, err := strconv.ParseInt(strings.TrimPrefix(to, telegramAddrPrefix), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid address %q: %w", to, err)
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(chatID, string(payload)))
	return err
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	go t.monitorCompletions(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
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
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the
// channel closes, or no updates arrive within 2.5x the long-poll
// timeout (stall detection: tgbotapi blocks rather than closing the
// channel on a dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
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
			if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage creates a new active Goal from chat text and remembers
// which chat to reply to once it completes.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	goal, err := t.store.CreateGoal(ctx, store.Goal{
		Title:       content,
		Description: content,
		Status:      store.GoalActive,
	})
	if err != nil {
		t.logger.Error("failed to create goal from telegram message", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("could not schedule goal: %v", err))
		return
	}

	t.mu.Lock()
	t.goalChat[goal.ID] = msg.Chat.ID
	t.mu.Unlock()

	t.reply(msg.Chat.ID, fmt.Sprintf("scheduled goal %s", goal.ID))
}

// monitorCompletions polls the event stream for goal-terminal task
// events and replies to the originating chat once, per goal rather
// than per task.
func (t *TelegramChannel) monitorCompletions(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	since := time.Now().UTC().Format(time.RFC3339)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since = t.checkCompletions(ctx, since)
		}
	}
}

func (t *TelegramChannel) checkCompletions(ctx context.Context, since string) string {
	latest := since
	for _, evType := range []store.EventType{store.EventTaskCompleted, store.EventTaskFailed} {
		events, err := t.events.GetByType(ctx, string(evType), since)
		if err != nil {
			t.logger.Warn("telegram: failed to poll completions", "error", err)
			continue
		}
		for _, ev := range events {
			t.mu.Lock()
			chatID, ok := t.goalChat[ev.GoalID]
			if ok {
				delete(t.goalChat, ev.GoalID)
			}
			t.mu.Unlock()
			if !ok {
				continue
			}
			verb := "completed"
			if evType == store.EventTaskFailed {
				verb = "failed"
			}
			t.reply(chatID, fmt.Sprintf("goal %s task %s: %s", ev.GoalID, verb, ev.Content))
			if ev.CreatedAt.UTC().Format(time.RFC3339) > latest {
				latest = ev.CreatedAt.UTC().Format(time.RFC3339)
			}
		}
	}
	return latest
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("telegram: failed to send reply", "chat_id", chatID, "error", err)
	}
}
