package redis

import (
	"context"
	"errors"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
)

// DirectoryCache keeps the university directory in Redis under one JSON key.
// It implements schedule.DirectoryCache.
type DirectoryCache struct {
	cache *Cache
	ttl   time.Duration
}

var _ schedule.DirectoryCache = (*DirectoryCache)(nil)

// NewDirectoryCache creates a DirectoryCache; ttl <= 0 selects TTLDirectory.
func NewDirectoryCache(cache *Cache, ttl time.Duration) *DirectoryCache {
	if ttl <= 0 {
		ttl = TTLDirectory
	}
	return &DirectoryCache{cache: cache, ttl: ttl}
}

// LoadDirectory returns the cached directory; a missing key is found=false.
func (d *DirectoryCache) LoadDirectory(ctx context.Context) ([]schedule.DirectoryEntry, bool, error) {
	var entries []schedule.DirectoryEntry
	err := d.cache.Get(ctx, DirectoryKey(), &entries)
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

// StoreDirectory replaces the cached directory.
func (d *DirectoryCache) StoreDirectory(ctx context.Context, entries []schedule.DirectoryEntry) error {
	return d.cache.Set(ctx, DirectoryKey(), entries, d.ttl)
}
