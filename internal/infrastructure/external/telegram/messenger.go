// Package telegram adapts the Telegram Bot API to the messenger interface.
// Outgoing messages go through go-telegram-bot-api; incoming webhook updates
// are converted to platform-neutral events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/pkg/circuitbreaker"
	"github.com/chsu-bot/schedule-notifier/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the Telegram messenger.
type ClientConfig struct {
	// Token is the Telegram Bot API token.
	Token string

	// APIEndpoint overrides tgbotapi.APIEndpoint; it must contain two %s verbs.
	APIEndpoint string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Debug enables tgbotapi debug output.
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(token string) ClientConfig {
	return ClientConfig{
		Token:       token,
		APIEndpoint: tgbotapi.APIEndpoint,
		Timeout:     30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MESSENGER
// ══════════════════════════════════════════════════════════════════════════════

// Messenger sends messages through the Telegram Bot API. It implements
// messenger.Messenger and messenger.EventConfirmer.
type Messenger struct {
	bot     *tgbotapi.BotAPI
	logger  *slog.Logger
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
}

var (
	_ messenger.Messenger      = (*Messenger)(nil)
	_ messenger.EventConfirmer = (*Messenger)(nil)
)

// NewMessenger creates a Telegram messenger. It calls getMe to validate the token.
func NewMessenger(config ClientConfig, breaker *circuitbreaker.CircuitBreaker) (*Messenger, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.APIEndpoint == "" {
		config.APIEndpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(config.Token, config.APIEndpoint, &http.Client{Timeout: config.Timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	bot.Debug = config.Debug

	logger := config.Logger.With("messenger", "telegram")
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Messenger{
		bot:     bot,
		logger:  logger,
		retrier: retry.MessengerRetrier(),
		breaker: breaker,
	}, nil
}

// Platform implements messenger.Messenger.
func (m *Messenger) Platform() subscription.Platform {
	return subscription.PlatformTelegram
}

// GetName implements messenger.Messenger.
func (m *Messenger) GetName() string {
	return "telegram"
}

// SendMessage implements messenger.Messenger.
func (m *Messenger) SendMessage(ctx context.Context, recipientID int64, text string, kb *messenger.Keyboard) error {
	msg := tgbotapi.NewMessage(recipientID, text)
	if markup := toMarkup(kb); markup != nil {
		msg.ReplyMarkup = markup
	}
	return m.send(ctx, "SendMessage", msg)
}

// SendLocation implements messenger.Messenger.
func (m *Messenger) SendLocation(ctx context.Context, recipientID int64, lat, long float64) error {
	return m.send(ctx, "SendLocation", tgbotapi.NewLocation(recipientID, lat, long))
}

// ConfirmEvent answers a callback query so the client stops its spinner.
func (m *Messenger) ConfirmEvent(ctx context.Context, eventID string, _ int64) error {
	if err := ctx.Err(); err != nil {
		return shared.DeliveryError("telegram", "ConfirmEvent", err)
	}
	if _, err := m.bot.Request(tgbotapi.NewCallback(eventID, "")); err != nil {
		return shared.DeliveryError("telegram", "ConfirmEvent", err)
	}
	return nil
}

// send delivers c with flood-control retries under the circuit breaker.
func (m *Messenger) send(ctx context.Context, op string, c tgbotapi.Chattable) error {
	call := func(ctx context.Context) error {
		return m.retrier.Do(ctx, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := m.bot.Send(c)
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
		return shared.DeliveryError("telegram", op, err)
	}
	return nil
}

// classify marks flood control and server errors as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return retry.Retryable(err)
		}
	}
	return err
}

// IsRecipientError reports whether err concerns a single chat (blocked bot,
// deleted account) rather than the Bot API itself.
func IsRecipientError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusBadRequest
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// KEYBOARDS
// ══════════════════════════════════════════════════════════════════════════════

// toMarkup converts a platform-neutral keyboard. A nil keyboard leaves the
// current one in place.
func toMarkup(kb *messenger.Keyboard) any {
	if kb == nil {
		return nil
	}
	if kb.IsEmpty() {
		if kb.Inline {
			return nil
		}
		return tgbotapi.NewRemoveKeyboard(false)
	}

	if kb.Inline {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
		for _, r := range kb.Rows {
			row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
			for _, b := range r {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Payload))
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(row...))
		}
		return tgbotapi.NewInlineKeyboardMarkup(rows...)
	}

	rows := make([][]tgbotapi.KeyboardButton, 0, len(kb.Rows))
	for _, r := range kb.Rows {
		row := make([]tgbotapi.KeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, tgbotapi.NewKeyboardButton(b.Label))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
	}
	markup := tgbotapi.NewReplyKeyboard(rows...)
	markup.ResizeKeyboard = true
	return markup
}
