// Package messenger defines the outbound side of a chat platform and the
// platform-neutral keyboard the conversation layer builds.
package messenger

import (
	"context"
	"sync"

	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// Messenger sends messages through one chat platform. Every send failure is
// a DeliveryError.
type Messenger interface {
	// Platform returns the identifier stored with subscribers.
	Platform() subscription.Platform

	// GetName returns the platform name for status pages.
	GetName() string

	// SendMessage delivers text, with an optional keyboard, to a user.
	SendMessage(ctx context.Context, recipientID int64, text string, kb *Keyboard) error

	// SendLocation delivers a map pin to a user.
	SendLocation(ctx context.Context, recipientID int64, lat, long float64) error
}

// Registry resolves a Messenger by platform.
type Registry struct {
	mu         sync.RWMutex
	messengers map[subscription.Platform]Messenger
}

// NewRegistry creates a registry holding the given messengers.
func NewRegistry(ms ...Messenger) *Registry {
	r := &Registry{messengers: make(map[subscription.Platform]Messenger, len(ms))}
	for _, m := range ms {
		r.Register(m)
	}
	return r
}

// Register adds or replaces the messenger of m's platform.
func (r *Registry) Register(m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messengers[m.Platform()] = m
}

// Get returns the messenger for p.
func (r *Registry) Get(p subscription.Platform) (Messenger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messengers[p]
	if !ok {
		return nil, shared.ErrMessengerNotFound
	}
	return m, nil
}

// All returns every registered messenger.
func (r *Registry) All() []Messenger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Messenger, 0, len(r.messengers))
	for _, m := range r.messengers {
		out = append(out, m)
	}
	return out
}
