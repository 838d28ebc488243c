package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// DecodeUpdate reads one webhook update.
func DecodeUpdate(r io.Reader) (tgbotapi.Update, error) {
	var upd tgbotapi.Update
	if err := json.NewDecoder(r).Decode(&upd); err != nil {
		return upd, fmt.Errorf("telegram: decode update: %w", err)
	}
	return upd, nil
}

// EventFromUpdate converts a text message or a callback query. ok is false
// for every other kind of update.
func EventFromUpdate(upd tgbotapi.Update) (messenger.Event, bool) {
	switch {
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		if cq.From == nil || cq.Data == "" {
			return messenger.Event{}, false
		}
		return messenger.Event{
			UserID:   cq.From.ID,
			Platform: subscription.PlatformTelegram,
			Payload:  cq.Data,
			EventID:  cq.ID,
		}, true

	case upd.Message != nil:
		msg := upd.Message
		if msg.Chat == nil || msg.Text == "" {
			return messenger.Event{}, false
		}
		return messenger.Event{
			UserID:   msg.Chat.ID,
			Platform: subscription.PlatformTelegram,
			Text:     strings.TrimSpace(msg.Text),
		}, true
	}

	return messenger.Event{}, false
}
