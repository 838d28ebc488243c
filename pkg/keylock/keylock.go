// Package keylock provides a keyed mutual-exclusion primitive: callers
// locking the same key are serialized, callers locking different keys never
// wait on each other. Entries are reference counted and removed when the last
// holder or waiter releases them, so the map does not grow with every key ever seen.
package keylock

import (
	"context"
	"sync"
)

// entry is a one-slot semaphore shared by every caller of one key.
type entry struct {
	ch   chan struct{}
	refs int
}

// KeyLock serializes work per key.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the key and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e, true) })
	}, nil
}

func (k *KeyLock) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
