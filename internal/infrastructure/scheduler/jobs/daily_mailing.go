package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAILY MAILING JOB
// ══════════════════════════════════════════════════════════════════════════════

// MailingRequestText is the request synthesized for every mailing recipient.
const MailingRequestText = "Расписание на завтра"

// MailingRecipients finds users by their mailing minute.
type MailingRecipients interface {
	FindByMailingTime(ctx context.Context, hhmm string) ([]subscription.Subscriber, error)
}

// DailyMailingJob sends tomorrow's schedule to users whose mailing time is
// the current minute. It runs on scheduler.EveryMinute and routes each
// request through the same handler as interactive messages.
type DailyMailingJob struct {
	users   MailingRecipients
	handler messenger.EventHandler
	clock   *timeutil.Clock
	logger  *slog.Logger
	config  DailyMailingConfig

	lastRunStats atomic.Value // *DailyMailingStats
}

// DailyMailingConfig contains configuration for the daily mailing job.
type DailyMailingConfig struct {
	// Enabled turns the mailing on.
	Enabled bool

	// Concurrency is the number of users served in parallel.
	Concurrency int

	// Timeout bounds one tick; it must stay below a minute.
	Timeout time.Duration
}

// DefaultDailyMailingConfig returns sensible defaults.
func DefaultDailyMailingConfig() DailyMailingConfig {
	return DailyMailingConfig{
		Enabled:     true,
		Concurrency: 5,
		Timeout:     50 * time.Second,
	}
}

// DailyMailingStats contains statistics from a mailing tick.
type DailyMailingStats struct {
	RunID       string
	Minute      string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Recipients  int
	Delivered   int
	Failed      int
	Errors      []error
}

// NewDailyMailingJob creates a new daily mailing job.
func NewDailyMailingJob(
	users MailingRecipients,
	handler messenger.EventHandler,
	clock *timeutil.Clock,
	logger *slog.Logger,
	config DailyMailingConfig,
) *DailyMailingJob {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = timeutil.NewClock(timeutil.DefaultOffsetHours)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &DailyMailingJob{
		users:   users,
		handler: handler,
		clock:   clock,
		logger:  logger.With("job", "daily_mailing"),
		config:  config,
	}
}

// Name returns the job name.
func (j *DailyMailingJob) Name() string {
	return "daily_mailing"
}

// Description returns a human-readable description.
func (j *DailyMailingJob) Description() string {
	return "Sends tomorrow's schedule to users at their mailing time"
}

// Enabled reports whether the mailing is turned on.
func (j *DailyMailingJob) Enabled() bool {
	return j.config.Enabled
}

// Run executes one mailing tick.
func (j *DailyMailingJob) Run(ctx context.Context) error {
	if !j.config.Enabled {
		return nil
	}

	startedAt := j.clock.Now()
	stats := &DailyMailingStats{
		RunID:     uuid.NewString(),
		Minute:    startedAt.Format(timeutil.FormatTime),
		StartedAt: startedAt,
	}
	logger := j.logger.With("run_id", stats.RunID, "minute", stats.Minute)

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	recipients, err := j.users.FindByMailingTime(ctx, stats.Minute)
	if err != nil {
		return shared.StoreError("mailing", "FindByMailingTime", err)
	}
	stats.Recipients = len(recipients)

	if len(recipients) > 0 {
		j.sendConcurrently(ctx, logger, recipients, stats)
	}

	stats.CompletedAt = j.clock.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastRunStats.Store(stats)

	if stats.Recipients > 0 {
		logger.Info("daily mailing completed",
			"recipients", stats.Recipients,
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"duration", stats.Duration.String(),
		)
	}
	return nil
}

// sendConcurrently routes one request per recipient through a worker pool.
// A failing recipient does not affect the others.
func (j *DailyMailingJob) sendConcurrently(
	ctx context.Context,
	logger *slog.Logger,
	recipients []subscription.Subscriber,
	stats *DailyMailingStats,
) {
	var (
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, j.config.Concurrency)
		mu        sync.Mutex
	)

	for _, r := range recipients {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(s subscription.Subscriber) {
			defer wg.Done()
			defer func() { <-semaphore }()

			err := j.handler.HandleEvent(ctx, messenger.Event{
				UserID:   s.UserID,
				Platform: s.Platform,
				Text:     MailingRequestText,
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				stats.Failed++
				stats.Errors = append(stats.Errors, err)
				logger.Error("failed to send mailing",
					"user_id", s.UserID,
					"platform", s.Platform,
					"error", err,
				)
				return
			}
			stats.Delivered++
		}(r)
	}

	wg.Wait()
}

// LastRunStats returns statistics from the last mailing tick.
func (j *DailyMailingJob) LastRunStats() *DailyMailingStats {
	stats := j.lastRunStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*DailyMailingStats)
}
