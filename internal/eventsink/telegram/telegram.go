// Package telegram implements events.Sink by forwarding terminal events to
// a Telegram chat, grounded on the teacher's TelegramChannel (bot
// construction, message send) but trimmed to outbound text notifications —
// this engine has no inbound webhook to parse.
package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/taskforge/internal/events"
)

// Config holds the bot token and destination chat.
type Config struct {
	BotToken string
	ChatID   int64
}

// Sink is an events.Sink that posts a formatted message per event.
type Sink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New dials the Telegram Bot API and validates the token.
func New(cfg Config) (*Sink, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram sink: create bot: %w", err)
	}
	return &Sink{bot: bot, chatID: cfg.ChatID}, nil
}

// Emit implements events.Sink. It never blocks the caller on network I/O
// failures — send errors are logged, not propagated, since an event sink
// is a best-effort notifier (§9).
func (s *Sink) Emit(e events.Event) {
	text := formatEvent(e)
	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := s.bot.Send(msg); err != nil {
		slog.Warn("telegram sink: send failed", "event_type", e.Type, "task_id", e.TaskID, "error", err)
	}
}

func formatEvent(e events.Event) string {
	var b strings.Builder
	switch e.Type {
	case events.EventTaskCompleted:
		fmt.Fprintf(&b, "✅ task `%s` completed", e.TaskID)
	case events.EventTaskFailed:
		fmt.Fprintf(&b, "❌ task `%s` failed", e.TaskID)
		if kind, ok := e.Data["kind"]; ok {
			fmt.Fprintf(&b, " (%v)", kind)
		}
	case events.EventTaskBlocked:
		fmt.Fprintf(&b, "⛔ task `%s` blocked", e.TaskID)
	case events.EventBudgetWarning:
		fmt.Fprintf(&b, "⚠️ budget warning: %v/%v tokens used", e.Data["tokens_used"], e.Data["total_limit"])
	case events.EventBudgetExhausted:
		b.WriteString("🛑 budget exhausted, admission refused")
	case events.EventShutdown:
		b.WriteString("🔚 engine shutting down")
	default:
		fmt.Fprintf(&b, "%s: %s", e.Type, e.TaskID)
	}
	b.WriteString("\n_")
	b.WriteString(strconv.FormatInt(e.At.Unix(), 10))
	b.WriteString("_")
	return b.String()
}

var _ events.Sink = (*Sink)(nil)
