package vk

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/SevereCloud/vksdk/v2/events"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// Callback is one Callback API request. Secret is the key configured in the
// community settings; it is empty when none is set.
type Callback struct {
	events.GroupEvent
	Secret string `json:"secret"`
}

// DecodeCallback reads one Callback API request body.
func DecodeCallback(r io.Reader) (Callback, error) {
	var ev Callback
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return ev, fmt.Errorf("vk: decode callback: %w", err)
	}
	return ev, nil
}

// IsConfirmation reports whether ev asks for the server confirmation code.
func IsConfirmation(ev Callback) bool {
	return ev.Type == events.EventConfirmation
}

// VerifySecret reports whether the request carries the expected secret.
// An empty expected secret accepts every request.
func (c Callback) VerifySecret(expected string) bool {
	return expected == "" || subtle.ConstantTimeCompare([]byte(c.Secret), []byte(expected)) == 1
}

// EventFromCallback converts message_new and message_event callbacks.
// ok is false for every other event type and for malformed objects.
func EventFromCallback(ev Callback) (messenger.Event, bool) {
	switch ev.Type {
	case events.EventMessageNew:
		var obj events.MessageNewObject
		if err := json.Unmarshal(ev.Object, &obj); err != nil {
			return messenger.Event{}, false
		}
		text := strings.TrimSpace(obj.Message.Text)
		if text == "" || obj.Message.PeerID == 0 {
			return messenger.Event{}, false
		}
		return messenger.Event{
			UserID:   int64(obj.Message.PeerID),
			Platform: subscription.PlatformVK,
			Text:     text,
		}, true

	case events.EventMessageEvent:
		var obj events.MessageEventObject
		if err := json.Unmarshal(ev.Object, &obj); err != nil {
			return messenger.Event{}, false
		}
		payload := decodePayload(obj.Payload)
		if payload == "" || obj.UserID == 0 {
			return messenger.Event{}, false
		}
		return messenger.Event{
			UserID:   int64(obj.UserID),
			Platform: subscription.PlatformVK,
			Payload:  payload,
			EventID:  obj.EventID,
		}, true
	}

	return messenger.Event{}, false
}

// decodePayload unwraps the JSON string written by AddCallbackButton.
// Anything else is passed through verbatim.
func decodePayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
