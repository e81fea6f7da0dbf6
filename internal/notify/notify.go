// Package notify delivers out-of-band notifications for mentions and slash
// commands found in newly created messages.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	"roomchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Command is a slash command parsed from a message.
type Command struct {
	Name string
	Args string
}

// Notifier receives post-commit notifications. Calls happen off the write
// path; errors are logged by the caller and never retried.
type Notifier interface {
	NotifyMention(ctx context.Context, recipient models.User, msg models.Message) error
	NotifyCommand(ctx context.Context, cmd Command, msg models.Message) error
}

// LogNotifier only logs.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) NotifyMention(_ context.Context, recipient models.User, msg models.Message) error {
	n.Log.Info().
		Str("recipient", recipient.ID).
		Uint64("message_id", msg.ID).
		Str("room_id", msg.RoomID).
		Msg("mention")
	return nil
}

func (n LogNotifier) NotifyCommand(_ context.Context, cmd Command, msg models.Message) error {
	n.Log.Info().
		Str("command", cmd.Name).
		Str("args", cmd.Args).
		Uint64("message_id", msg.ID).
		Msg("command")
	return nil
}

// sender is the part of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends mention alerts to users who linked a Telegram chat.
type TelegramNotifier struct {
	bot     sender
	preview int
	log     zerolog.Logger
}

// NewTelegramNotifier connects to the Bot API with token.
func NewTelegramNotifier(token string, log zerolog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram notifier authorized")
	return newTelegramNotifier(bot, log), nil
}

func newTelegramNotifier(bot sender, log zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, preview: 280, log: log.With().Str("component", "notify").Logger()}
}

func (n *TelegramNotifier) NotifyMention(_ context.Context, recipient models.User, msg models.Message) error {
	if recipient.TelegramID == "" {
		return nil
	}
	chatID, err := strconv.ParseInt(recipient.TelegramID, 10, 64)
	if err != nil || chatID == 0 {
		return fmt.Errorf("invalid telegram chat id for user %s", recipient.ID)
	}

	text := fmt.Sprintf("%s mentioned you in %s:\n%s", msg.AuthorID, msg.RoomID, truncate(msg.PlainText, n.preview))
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}

// NotifyCommand is not forwarded to Telegram.
func (n *TelegramNotifier) NotifyCommand(_ context.Context, cmd Command, msg models.Message) error {
	n.log.Debug().Str("command", cmd.Name).Uint64("message_id", msg.ID).Msg("command not forwarded")
	return nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
