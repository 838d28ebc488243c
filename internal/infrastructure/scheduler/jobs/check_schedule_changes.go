// Package jobs contains the scheduled jobs of the schedule bot.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chsu-bot/schedule-notifier/internal/application/command"
	"github.com/chsu-bot/schedule-notifier/internal/application/eventhandler"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHECK SCHEDULE CHANGES JOB
// ══════════════════════════════════════════════════════════════════════════════

// HashUpdater stores fresh hashes and reports the changed dates.
type HashUpdater interface {
	Handle(ctx context.Context, cmd command.UpdateScheduleHashesCommand) (*command.UpdateScheduleHashesResult, error)
}

// OrphanPruner deletes tracked entities left without subscribers.
type OrphanPruner interface {
	PruneOrphans(ctx context.Context) (int64, error)
}

// ChangeNotifier delivers changed dates to the entity's subscribers.
type ChangeNotifier interface {
	Notify(ctx context.Context, entity string, dates []schedule.Date, snapshot *schedule.Snapshot) (eventhandler.DispatchReport, error)
}

// CheckScheduleChangesJob polls the schedule of every tracked entity,
// stores the new day hashes and notifies subscribers about changed days.
//
// One entity failing upstream never aborts the batch. A store failure does:
// the tick is cancelled and retried on the next one.
type CheckScheduleChangesJob struct {
	registry subscription.Registry
	pruner   OrphanPruner
	source   schedule.Source
	hashes   HashUpdater
	notifier ChangeNotifier
	clock    *timeutil.Clock
	logger   *slog.Logger
	config   CheckScheduleChangesConfig

	status    atomic.Value // CheckerStatus
	lastStats atomic.Value // *CheckScheduleChangesStats
}

// CheckScheduleChangesConfig contains configuration for the job.
type CheckScheduleChangesConfig struct {
	// Concurrency is the number of entities checked in parallel.
	Concurrency int

	// FetchTimeout bounds one schedule fetch.
	FetchTimeout time.Duration

	// Timeout is the maximum duration of one tick.
	Timeout time.Duration

	// WindowDays is the length of the polled window starting today.
	// Zero polls the rest of the current week.
	WindowDays int
}

// DefaultCheckScheduleChangesConfig returns sensible defaults.
func DefaultCheckScheduleChangesConfig() CheckScheduleChangesConfig {
	return CheckScheduleChangesConfig{
		Concurrency:  4,
		FetchTimeout: 15 * time.Second,
		Timeout:      20 * time.Minute,
	}
}

// CheckScheduleChangesStats contains statistics of one tick.
type CheckScheduleChangesStats struct {
	RunID             string
	StartedAt         time.Time
	CompletedAt       time.Time
	Duration          time.Duration
	Window            schedule.DateRange
	DailyUpdates      int
	EntitiesTotal     int
	EntitiesChecked   int
	EntitiesChanged   int
	EntitiesFailed    int
	FirstObservations int
	Suppressed        int
	MessagesSent      int
	DeliveryFailures  int
	Pruned            int64
	Errors            []error
}

// CheckerStatus is the externally visible state of the job.
type CheckerStatus struct {
	LastRunAt     time.Time `json:"last_run_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastError     string    `json:"last_error,omitempty"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	Running       bool      `json:"running"`
}

// NewCheckScheduleChangesJob creates a new job.
func NewCheckScheduleChangesJob(
	registry subscription.Registry,
	pruner OrphanPruner,
	source schedule.Source,
	hashes HashUpdater,
	notifier ChangeNotifier,
	clock *timeutil.Clock,
	logger *slog.Logger,
	config CheckScheduleChangesConfig,
) *CheckScheduleChangesJob {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = timeutil.NewClock(timeutil.DefaultOffsetHours)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	j := &CheckScheduleChangesJob{
		registry: registry,
		pruner:   pruner,
		source:   source,
		hashes:   hashes,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With("job", "check_schedule_changes"),
		config:   config,
	}
	j.status.Store(CheckerStatus{})
	return j
}

// Name returns the job name.
func (j *CheckScheduleChangesJob) Name() string {
	return "check_schedule_changes"
}

// Description returns a human-readable description.
func (j *CheckScheduleChangesJob) Description() string {
	return "Polls tracked schedules and notifies subscribers about changed days"
}

// Status returns the last run state for health reporting.
func (j *CheckScheduleChangesJob) Status() CheckerStatus {
	return j.status.Load().(CheckerStatus)
}

// LastRunStats returns statistics from the last tick.
func (j *CheckScheduleChangesJob) LastRunStats() *CheckScheduleChangesStats {
	stats := j.lastStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*CheckScheduleChangesStats)
}

// Run executes one polling tick.
func (j *CheckScheduleChangesJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	stats := &CheckScheduleChangesStats{
		RunID:     uuid.NewString(),
		StartedAt: now,
		Window:    j.window(now),
	}
	logger := j.logger.With("run_id", stats.RunID)

	j.setRunning(stats.RunID, now)

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	err := j.tick(ctx, logger, stats)
	j.finish(stats, err)

	if err != nil {
		logger.Error("schedule check aborted", "error", err)
		return err
	}

	logger.Info("schedule check completed",
		"duration", stats.Duration.String(),
		"daily_updates", stats.DailyUpdates,
		"entities", stats.EntitiesTotal,
		"changed", stats.EntitiesChanged,
		"failed", stats.EntitiesFailed,
		"sent", stats.MessagesSent,
		"pruned", stats.Pruned,
	)
	return nil
}

func (j *CheckScheduleChangesJob) tick(ctx context.Context, logger *slog.Logger, stats *CheckScheduleChangesStats) error {
	entities, err := j.registry.Entities(ctx)
	if err != nil {
		return shared.StoreError("scheduler", "Entities", err)
	}
	stats.EntitiesTotal = len(entities)

	logger.Info("schedule check started",
		"entities", len(entities),
		"window", stats.Window.String(),
	)

	if err := j.checkConcurrently(ctx, logger, entities, stats); err != nil {
		return err
	}

	if j.pruner == nil {
		return nil
	}
	pruned, err := j.pruner.PruneOrphans(ctx)
	if err != nil {
		if shared.IsStore(err) {
			return err
		}
		return shared.StoreError("scheduler", "PruneOrphans", err)
	}
	stats.Pruned = pruned
	return nil
}

// checkConcurrently runs checkEntity on a worker pool. The first store error
// cancels the remaining entities and is returned.
func (j *CheckScheduleChangesJob) checkConcurrently(
	ctx context.Context,
	logger *slog.Logger,
	entities []string,
	stats *CheckScheduleChangesStats,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, j.config.Concurrency)
		mu        sync.Mutex
		fatal     error
	)

	for _, entity := range entities {
		select {
		case <-ctx.Done():
		case semaphore <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(entity string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			outcome, err := j.checkEntity(ctx, entity, stats.Window, schedule.DateOf(stats.StartedAt))

			mu.Lock()
			defer mu.Unlock()

			stats.merge(outcome)
			if err == nil {
				return
			}
			if shared.IsUpstream(err) {
				stats.EntitiesFailed++
				stats.Errors = append(stats.Errors, err)
				logger.Warn("entity check failed", "entity", entity, "error", err)
				return
			}
			if fatal == nil {
				fatal = err
				cancel()
			}
		}(entity)
	}

	wg.Wait()

	if fatal != nil {
		return fatal
	}
	return ctx.Err()
}

type entityOutcome struct {
	checked   bool
	changed   bool
	first     bool
	daily     bool
	suppress  bool
	sent      int
	failedMsg int
}

func (s *CheckScheduleChangesStats) merge(o entityOutcome) {
	if o.checked {
		s.EntitiesChecked++
	}
	if o.changed {
		s.EntitiesChanged++
	}
	if o.first {
		s.FirstObservations++
	}
	if o.daily {
		s.DailyUpdates++
	}
	if o.suppress {
		s.Suppressed++
	}
	s.MessagesSent += o.sent
	s.DeliveryFailures += o.failedMsg
}

// checkEntity is one Fetching → Diffing → Persisting → Notifying pass.
func (j *CheckScheduleChangesJob) checkEntity(
	ctx context.Context,
	entity string,
	window schedule.DateRange,
	polledOn schedule.Date,
) (entityOutcome, error) {
	var outcome entityOutcome

	snapshot, err := j.fetch(ctx, entity, window)
	if err != nil {
		return outcome, err
	}

	res, err := j.hashes.Handle(ctx, command.UpdateScheduleHashesCommand{
		Entity:   entity,
		Hashes:   snapshot.Hashes(),
		PolledOn: polledOn,
	})
	if err != nil {
		return outcome, err
	}
	outcome.checked = true
	outcome.first = res.FirstObservation
	outcome.daily = res.DailyUpdate
	outcome.suppress = res.Suppressed

	if len(res.ChangedDates) == 0 {
		return outcome, nil
	}
	outcome.changed = true

	report, err := j.notifier.Notify(ctx, entity, res.ChangedDates, snapshot)
	outcome.sent = report.Sent
	outcome.failedMsg = report.Failed()
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// fetch calls the schedule source with the per-entity timeout. Anything but
// a cancelled tick is reported as an upstream failure of this entity.
func (j *CheckScheduleChangesJob) fetch(ctx context.Context, entity string, window schedule.DateRange) (*schedule.Snapshot, error) {
	fetchCtx := ctx
	if j.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, j.config.FetchTimeout)
		defer cancel()
	}

	snapshot, err := j.source.FetchSchedule(fetchCtx, entity, window)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if shared.IsUpstream(err) {
			return nil, err
		}
		return nil, shared.UpstreamError("chsu", "FetchSchedule", fmt.Errorf("%s: %w", entity, err))
	}
	if snapshot == nil {
		return nil, shared.UpstreamError("chsu", "FetchSchedule", fmt.Errorf("%s: empty response", entity))
	}
	return snapshot, nil
}

// window returns the polled date range starting today.
func (j *CheckScheduleChangesJob) window(now time.Time) schedule.DateRange {
	from := timeutil.StartOfDay(now)
	to := timeutil.EndOfWeek(now)
	if j.config.WindowDays > 0 {
		to = from.AddDate(0, 0, j.config.WindowDays-1)
	}
	return schedule.DateRange{From: schedule.DateOf(from), To: schedule.DateOf(to)}
}

func (j *CheckScheduleChangesJob) setRunning(runID string, at time.Time) {
	st := j.Status()
	st.Running = true
	st.LastRunAt = at
	st.LastRunID = runID
	j.status.Store(st)
}

func (j *CheckScheduleChangesJob) finish(stats *CheckScheduleChangesStats, err error) {
	stats.CompletedAt = j.clock.Now()
	stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	j.lastStats.Store(stats)

	st := j.Status()
	st.Running = false
	switch {
	case err != nil:
		st.LastError = err.Error()
	case len(stats.Errors) > 0:
		st.LastSuccessAt = stats.CompletedAt
		st.LastError = fmt.Sprintf("%d of %d entities failed: %v",
			stats.EntitiesFailed, stats.EntitiesTotal, errors.Join(stats.Errors...))
	default:
		st.LastSuccessAt = stats.CompletedAt
		st.LastError = ""
	}
	j.status.Store(st)
}
