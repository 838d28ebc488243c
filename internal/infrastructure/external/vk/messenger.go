// Package vk adapts the VK community messages API to the messenger interface.
package vk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SevereCloud/vksdk/v2/api"
	"github.com/SevereCloud/vksdk/v2/api/params"
	"github.com/SevereCloud/vksdk/v2/object"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/pkg/circuitbreaker"
	"github.com/chsu-bot/schedule-notifier/pkg/retry"
)

// ClientConfig contains configuration for the VK messenger.
type ClientConfig struct {
	// Token is the community access token.
	Token string

	// MethodURL overrides api.MethodURL.
	MethodURL string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(token string) ClientConfig {
	return ClientConfig{
		Token:     token,
		MethodURL: api.MethodURL,
		Timeout:   30 * time.Second,
	}
}

// Messenger sends messages on behalf of a VK community. It implements
// messenger.Messenger and messenger.EventConfirmer.
type Messenger struct {
	vk      *api.VK
	logger  *slog.Logger
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
}

var (
	_ messenger.Messenger      = (*Messenger)(nil)
	_ messenger.EventConfirmer = (*Messenger)(nil)
)

// NewMessenger creates a VK messenger.
func NewMessenger(config ClientConfig, breaker *circuitbreaker.CircuitBreaker) *Messenger {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	vk := api.NewVK(config.Token)
	if config.MethodURL != "" {
		vk.MethodURL = config.MethodURL
	}
	vk.Client = &http.Client{Timeout: config.Timeout}

	return &Messenger{
		vk:      vk,
		logger:  config.Logger.With("messenger", "vk"),
		retrier: retry.MessengerRetrier(),
		breaker: breaker,
	}
}

// Platform implements messenger.Messenger.
func (m *Messenger) Platform() subscription.Platform {
	return subscription.PlatformVK
}

// GetName implements messenger.Messenger.
func (m *Messenger) GetName() string {
	return "vk"
}

// SendMessage implements messenger.Messenger.
func (m *Messenger) SendMessage(ctx context.Context, recipientID int64, text string, kb *messenger.Keyboard) error {
	b := params.NewMessagesSendBuilder()
	b.RandomID(0)
	b.PeerID(int(recipientID))
	b.Message(text)
	if k := toKeyboard(kb); k != nil {
		b.Keyboard(k)
	}
	return m.send(ctx, "SendMessage", b.Params)
}

// SendLocation implements messenger.Messenger.
func (m *Messenger) SendLocation(ctx context.Context, recipientID int64, lat, long float64) error {
	b := params.NewMessagesSendBuilder()
	b.RandomID(0)
	b.PeerID(int(recipientID))
	b.Lat(lat)
	b.Long(long)
	return m.send(ctx, "SendLocation", b.Params)
}

// ConfirmEvent answers a message_event so the button stops loading.
func (m *Messenger) ConfirmEvent(ctx context.Context, eventID string, recipientID int64) error {
	if err := ctx.Err(); err != nil {
		return shared.DeliveryError("vk", "ConfirmEvent", err)
	}

	b := params.NewMessagesSendMessageEventAnswerBuilder()
	b.EventID(eventID)
	b.UserID(int(recipientID))
	b.PeerID(int(recipientID))

	if _, err := m.vk.MessagesSendMessageEventAnswer(b.Params); err != nil {
		return shared.DeliveryError("vk", "ConfirmEvent", err)
	}
	return nil
}

func (m *Messenger) send(ctx context.Context, op string, p api.Params) error {
	call := func(ctx context.Context) error {
		return m.retrier.Do(ctx, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := m.vk.MessagesSend(p)
			return classify(err)
		})
	}

	var err error
	if m.breaker != nil {
		err = m.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return shared.DeliveryError("vk", op, fmt.Errorf("peer %v: %w", p["peer_id"], err))
	}
	return nil
}

// classify marks rate limits and internal VK errors as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrTooMany) || errors.Is(err, api.ErrServer) {
		return retry.Retryable(err)
	}
	return err
}

// IsRecipientError reports whether err concerns a single peer, such as a
// user who has not allowed messages from the community.
func IsRecipientError(err error) bool {
	return errors.Is(err, api.ErrMessagesDenySend) ||
		errors.Is(err, api.ErrMessagesUserBlocked) ||
		errors.Is(err, api.ErrPermission)
}

// toKeyboard converts a platform-neutral keyboard. Buttons with a payload
// become callback buttons.
func toKeyboard(kb *messenger.Keyboard) *object.MessagesKeyboard {
	if kb == nil || (kb.Inline && kb.IsEmpty()) {
		return nil
	}

	var k *object.MessagesKeyboard
	if kb.Inline {
		k = object.NewMessagesKeyboardInline()
	} else {
		k = object.NewMessagesKeyboard(false)
	}

	for _, row := range kb.Rows {
		k.AddRow()
		for _, b := range row {
			color := string(b.Color)
			if color == "" {
				color = string(messenger.ColorSecondary)
			}
			if b.Payload != "" {
				k.AddCallbackButton(b.Label, b.Payload, color)
			} else {
				k.AddTextButton(b.Label, "", color)
			}
		}
	}
	return k
}
