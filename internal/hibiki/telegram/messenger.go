package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bdobrica/Hibiki/internal/hibiki/relay"
)

// Messenger adapts Client to relay.Messenger. Chat and message IDs travel
// through the relay as decimal strings.
type Messenger struct {
	client *Client
}

// NewMessenger wraps client.
func NewMessenger(client *Client) *Messenger {
	return &Messenger{client: client}
}

func (m *Messenger) Send(ctx context.Context, chatID, text string) (relay.MessageHandle, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return relay.MessageHandle{}, fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	msgID, err := m.client.SendMessage(ctx, id, text)
	if err != nil {
		return relay.MessageHandle{}, err
	}
	return relay.MessageHandle{ChatID: chatID, MessageID: strconv.FormatInt(msgID, 10)}, nil
}

func (m *Messenger) Edit(ctx context.Context, msg relay.MessageHandle, text string) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}
	msgID, err := strconv.ParseInt(msg.MessageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", msg.MessageID, err)
	}
	return m.client.EditMessageText(ctx, chatID, msgID, text)
}
