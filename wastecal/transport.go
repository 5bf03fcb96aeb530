package wastecal

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Transport delivers one chat message. Implementations may fail with any error.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type TelegramTransport struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramTransport validates the token against the Bot API.
func NewTelegramTransport(token string) (*TelegramTransport, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramTransport{bot: bot}, nil
}

func (t *TelegramTransport) Username() string {
	return t.bot.Self.UserName
}

func (t *TelegramTransport) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	_, err := t.bot.Send(msg)
	return err
}
