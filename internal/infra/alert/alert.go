package alert

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier pushes operational alerts to the on-call Telegram channel.
// Fatal inconsistencies in the fulfillment pipeline land here; it is never
// part of the user-facing flow and a send failure is only logged by callers.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func NewNotifier(token string, chatID int64) (*Notifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram alert token is empty")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("alert chat id is required")
	}

	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("create telegram alert api: %w", err)
	}

	return &Notifier{api: api, chatID: chatID}, nil
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n == nil || n.api == nil {
		return fmt.Errorf("alert notifier is not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("alert text is empty")
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("send alert message: %w", err)
	}

	_ = ctx
	return nil
}
