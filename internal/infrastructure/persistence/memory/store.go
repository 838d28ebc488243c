// Package memory implements the bot's repositories in process memory. It backs
// STORE_DRIVER=memory for local runs and serves as the store in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

type trackedEntity struct {
	subscribers map[subscription.Subscriber]struct{}
	hashes      schedule.HashCollection
	hasHashes   bool
}

// Store holds users, subscriber sets and hash collections behind one mutex.
// It implements schedule.HashRepository, subscription.Registry and
// subscription.UserRepository.
type Store struct {
	mu       sync.RWMutex
	users    map[subscription.Subscriber]subscription.User
	entities map[string]*trackedEntity
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users:    make(map[subscription.Subscriber]subscription.User),
		entities: make(map[string]*trackedEntity),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HASHES
// ══════════════════════════════════════════════════════════════════════════════

// SwapHashes implements schedule.HashRepository.
func (s *Store) SwapHashes(ctx context.Context, entity string, next schedule.HashCollection) (schedule.HashCollection, bool, error) {
	if err := ctx.Err(); err != nil {
		return schedule.HashCollection{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	te := s.entity(entity)
	previous, found := te.hashes, te.hasHashes
	next.Hashes = append([]schedule.DateHash(nil), next.Hashes...)
	te.hashes = next
	te.hasHashes = true

	return previous, found, nil
}

// Hashes returns the stored collection of entity. Used by tests and the status page.
func (s *Store) Hashes(entity string) ([]schedule.DateHash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	te, ok := s.entities[entity]
	if !ok || !te.hasHashes {
		return nil, false
	}
	return append([]schedule.DateHash(nil), te.hashes.Hashes...), true
}

// PolledOn returns the day the stored collection of entity was polled on.
func (s *Store) PolledOn(entity string) (schedule.Date, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	te, ok := s.entities[entity]
	if !ok || !te.hasHashes {
		return schedule.Date{}, false
	}
	return te.hashes.PolledOn, true
}

func (s *Store) entity(name string) *trackedEntity {
	te, ok := s.entities[name]
	if !ok {
		te = &trackedEntity{subscribers: make(map[subscription.Subscriber]struct{})}
		s.entities[name] = te
	}
	return te
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIBER REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// Add implements subscription.Registry.
func (s *Store) Add(ctx context.Context, entity string, sub subscription.Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entity(entity).subscribers[sub] = struct{}{}
	return nil
}

// Remove implements subscription.Registry.
func (s *Store) Remove(ctx context.Context, entity string, sub subscription.Subscriber) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	te, ok := s.entities[entity]
	if !ok {
		return false, nil
	}

	delete(te.subscribers, sub)
	if len(te.subscribers) == 0 {
		delete(s.entities, entity)
		return true, nil
	}
	return false, nil
}

// Subscribers implements subscription.Registry.
func (s *Store) Subscribers(ctx context.Context, entity string) ([]subscription.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	te, ok := s.entities[entity]
	if !ok {
		return nil, nil
	}

	out := make([]subscription.Subscriber, 0, len(te.subscribers))
	for sub := range te.subscribers {
		out = append(out, sub)
	}
	sortSubscribers(out)
	return out, nil
}

// Entities implements subscription.Registry.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.entities))
	for name, te := range s.entities {
		if len(te.subscribers) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Orphans implements subscription.Registry.
func (s *Store) Orphans(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, te := range s.entities {
		if len(te.subscribers) == 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// PruneOrphan implements subscription.Registry.
func (s *Store) PruneOrphan(ctx context.Context, entity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	te, ok := s.entities[entity]
	if !ok || len(te.subscribers) > 0 {
		return false, nil
	}
	delete(s.entities, entity)
	return true, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// USERS
// ══════════════════════════════════════════════════════════════════════════════

// Get implements subscription.UserRepository.
func (s *Store) Get(ctx context.Context, key subscription.Subscriber) (*subscription.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[key]
	if !ok {
		return nil, false, nil
	}
	return &u, true, nil
}

// Save implements subscription.UserRepository.
func (s *Store) Save(ctx context.Context, user *subscription.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.Subscriber()] = *user
	return nil
}

// FindByMailingTime implements subscription.UserRepository.
func (s *Store) FindByMailingTime(ctx context.Context, hhmm string) ([]subscription.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Subscriber
	for key, u := range s.users {
		if u.MailingTime != "" && u.MailingTime == hhmm {
			out = append(out, key)
		}
	}
	sortSubscribers(out)
	return out, nil
}

// Count implements subscription.UserRepository.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

// Ping always succeeds; it lets the memory store stand in for a database in health checks.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func sortSubscribers(subs []subscription.Subscriber) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Platform != subs[j].Platform {
			return subs[i].Platform < subs[j].Platform
		}
		return subs[i].UserID < subs[j].UserID
	})
}
