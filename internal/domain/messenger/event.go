package messenger

import (
	"context"

	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// Event is one incoming user action: a text message, or a press of an
// inline button carrying a Payload.
type Event struct {
	UserID   int64
	Platform subscription.Platform
	Text     string

	// Payload and EventID are set for button presses only.
	Payload string
	EventID string
}

// IsPayload reports whether the event is a button press.
func (e Event) IsPayload() bool {
	return e.Payload != ""
}

// Subscriber returns the (user, platform) key of the sender.
func (e Event) Subscriber() subscription.Subscriber {
	return subscription.Subscriber{UserID: e.UserID, Platform: e.Platform}
}

// EventHandler processes incoming events. Both webhooks and the daily
// mailing feed it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventConfirmer is implemented by platforms that expect a button press to be
// acknowledged before the reply.
type EventConfirmer interface {
	ConfirmEvent(ctx context.Context, eventID string, recipientID int64) error
}
