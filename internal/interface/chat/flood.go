package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// ══════════════════════════════════════════════════════════════════════════════
// FLOOD GUARD
// Per-user token bucket in front of the router. Every reply costs a request
// to the schedule API, so a user hammering a button is slowed down.
// ══════════════════════════════════════════════════════════════════════════════

// FloodNoticeText is sent once when a user starts being throttled.
const FloodNoticeText = "Слишком много запросов. Подождите немного и попробуйте снова."

// FloodGuardConfig holds configuration for the flood guard.
type FloodGuardConfig struct {
	// EventsPerMinute is the sustained rate per user.
	EventsPerMinute int

	// Burst is the bucket size.
	Burst int

	// IdleTTL drops buckets of users who have been quiet this long.
	IdleTTL time.Duration

	// Exempt users are never throttled. Nil exempts nobody.
	Exempt func(subscription.Subscriber) bool

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultFloodGuardConfig returns sensible defaults.
func DefaultFloodGuardConfig() FloodGuardConfig {
	return FloodGuardConfig{
		EventsPerMinute: 30,
		Burst:           10,
		IdleTTL:         10 * time.Minute,
	}
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	notified   bool
}

// FloodGuard implements messenger.EventHandler.
type FloodGuard struct {
	next       messenger.EventHandler
	messengers *messenger.Registry
	config     FloodGuardConfig
	refillRate float64 // tokens per second
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	buckets   map[subscription.Subscriber]*tokenBucket
	lastSweep time.Time
}

var _ messenger.EventHandler = (*FloodGuard)(nil)

// NewFloodGuard wraps next. messengers is used for the throttling notice.
func NewFloodGuard(next messenger.EventHandler, messengers *messenger.Registry, config FloodGuardConfig) *FloodGuard {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.EventsPerMinute <= 0 {
		config.EventsPerMinute = DefaultFloodGuardConfig().EventsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultFloodGuardConfig().IdleTTL
	}
	if config.Exempt == nil {
		config.Exempt = func(subscription.Subscriber) bool { return false }
	}

	return &FloodGuard{
		next:       next,
		messengers: messengers,
		config:     config,
		refillRate: float64(config.EventsPerMinute) / 60,
		logger:     config.Logger.With("component", "flood_guard"),
		now:        time.Now,
		buckets:    make(map[subscription.Subscriber]*tokenBucket),
	}
}

// HandleEvent passes the event on when the user has a token left. A dropped
// event is not an error.
func (g *FloodGuard) HandleEvent(ctx context.Context, ev messenger.Event) error {
	sub := ev.Subscriber()
	if g.config.Exempt(sub) {
		return g.next.HandleEvent(ctx, ev)
	}

	allowed, notify := g.take(sub)
	if allowed {
		return g.next.HandleEvent(ctx, ev)
	}

	g.logger.Debug("event throttled", "platform", string(sub.Platform), "user_id", sub.UserID)
	if !notify {
		return nil
	}

	m, err := g.messengers.Get(sub.Platform)
	if err != nil {
		return err
	}
	return m.SendMessage(ctx, sub.UserID, FloodNoticeText, nil)
}

// take consumes a token. notify is true on the first rejection after the
// user was last allowed through.
func (g *FloodGuard) take(sub subscription.Subscriber) (allowed, notify bool) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	b, ok := g.buckets[sub]
	if !ok {
		b = &tokenBucket{tokens: float64(g.config.Burst), lastRefill: now}
		g.buckets[sub] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(float64(g.config.Burst), b.tokens+elapsed*g.refillRate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		b.notified = false
		return true, false
	}

	notify = !b.notified
	b.notified = true
	return false, notify
}

func (g *FloodGuard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.config.IdleTTL {
		return
	}
	g.lastSweep = now
	for sub, b := range g.buckets {
		if now.Sub(b.lastRefill) >= g.config.IdleTTL {
			delete(g.buckets, sub)
		}
	}
}

// Len returns the number of tracked users.
func (g *FloodGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
