package notify

import "github.com/rs/zerolog"

func NewTelegramNotifierWithBot(bot sender, log zerolog.Logger) *TelegramNotifier {
	return newTelegramNotifier(bot, log)
}
