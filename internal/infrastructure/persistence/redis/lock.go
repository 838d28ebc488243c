package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token, so a
// holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockerConfig configures the distributed lock.
type LockerConfig struct {
	// TTL is the lock lifetime; a crashed holder blocks others at most this long.
	TTL time.Duration

	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultLockerConfig returns sensible defaults.
func DefaultLockerConfig() LockerConfig {
	return LockerConfig{
		TTL:           TTLEntityLock,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Locker is a per-key lock shared by every replica using the same Redis.
type Locker struct {
	client *redis.Client
	config LockerConfig
	logger *slog.Logger
}

// NewLocker creates a Locker on the cache's client.
func NewLocker(cache *Cache, config LockerConfig) *Locker {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TTL <= 0 {
		config.TTL = TTLEntityLock
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	return &Locker{
		client: cache.Client(),
		config: config,
		logger: config.Logger.With("component", "redis_locker"),
	}
}

// Lock blocks until key is acquired or ctx is done. The returned function
// releases the lock; calling it more than once is harmless.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrCacheKeyEmpty
	}

	redisKey := LockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %q: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, redisKey, token) })
	}, nil
}

func (l *Locker) release(key, redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("failed to release lock", "key", key, "error", err)
	}
}
