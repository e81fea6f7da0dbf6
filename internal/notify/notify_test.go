package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"roomchat/backend/internal/models"
	"roomchat/backend/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBot struct {
	mock.Mock
}

func (b *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := b.Called(c)
	return tgbotapi.Message{}, args.Error(0)
}

func TestTelegramNotifier_SendsMention(t *testing.T) {
	bot := &mockBot{}
	bot.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 4242 && strings.Contains(msg.Text, "alice mentioned you in general")
	})).Return(nil).Once()

	n := notify.NewTelegramNotifierWithBot(bot, zerolog.Nop())
	err := n.NotifyMention(context.Background(),
		models.User{ID: "u2", Handle: "bob", TelegramID: "4242"},
		models.Message{ID: 1, RoomID: "general", AuthorID: "alice", PlainText: "hey @bob"})
	require.NoError(t, err)
	bot.AssertExpectations(t)
}

func TestTelegramNotifier_SkipsUnlinkedUsers(t *testing.T) {
	bot := &mockBot{}
	n := notify.NewTelegramNotifierWithBot(bot, zerolog.Nop())

	err := n.NotifyMention(context.Background(), models.User{ID: "u2"}, models.Message{ID: 1})
	require.NoError(t, err)
	bot.AssertNotCalled(t, "Send", mock.Anything)

	err = n.NotifyMention(context.Background(), models.User{ID: "u3", TelegramID: "not-a-number"}, models.Message{ID: 1})
	assert.Error(t, err)
}

func TestTelegramNotifier_WrapsSendError(t *testing.T) {
	bot := &mockBot{}
	boom := errors.New("bot blocked by user")
	bot.On("Send", mock.Anything).Return(boom)

	n := notify.NewTelegramNotifierWithBot(bot, zerolog.Nop())
	err := n.NotifyMention(context.Background(), models.User{ID: "u2", TelegramID: "1"}, models.Message{ID: 1})
	assert.ErrorIs(t, err, boom)
}

func TestLogNotifier(t *testing.T) {
	var n notify.Notifier = notify.LogNotifier{Log: zerolog.Nop()}
	assert.NoError(t, n.NotifyMention(context.Background(), models.User{ID: "u1"}, models.Message{ID: 1}))
	assert.NoError(t, n.NotifyCommand(context.Background(), notify.Command{Name: "shrug"}, models.Message{ID: 1}))
}
