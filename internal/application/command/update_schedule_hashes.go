// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
)

// EntityLocker serializes work on one tracked entity. Implemented in process
// by pkg/keylock and across replicas by the Redis locker.
type EntityLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// lockEntity acquires the entity lock, reporting lock backend failures as StoreError.
func lockEntity(ctx context.Context, locker EntityLocker, entity, op string) (func(), error) {
	unlock, err := locker.Lock(ctx, entity)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, shared.StoreError("lock", op, err)
	}
	return unlock, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE SCHEDULE HASHES COMMAND
// Replaces the stored hash collection of an entity and reports which dates
// changed since the previous observation.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateScheduleHashesCommand contains the freshly fetched hashes of an entity.
type UpdateScheduleHashesCommand struct {
	Entity string
	Hashes []schedule.DateHash

	// PolledOn is the local day of this poll and is stored with the hashes.
	// The first poll on a later day than the stored one is a daily update.
	// Zero means today in the process zone.
	PolledOn schedule.Date

	// IsDailyUpdate forces a daily update whatever the stored day is.
	IsDailyUpdate bool
}

// Validate validates the command.
func (c UpdateScheduleHashesCommand) Validate() error {
	if c.Entity == "" {
		return shared.ErrEmptyEntityName
	}
	return nil
}

// UpdateScheduleHashesResult contains the outcome of a hash update.
type UpdateScheduleHashesResult struct {
	// ChangedDates is ascending and empty on first observation or suppression.
	ChangedDates []schedule.Date

	// FirstObservation is true when the entity had no stored hashes.
	FirstObservation bool

	// DailyUpdate is true when this was the first poll of a new day.
	DailyUpdate bool

	// Suppressed is true when changes were found but not reported.
	Suppressed bool
}

// HashStorePolicy configures change reporting.
type HashStorePolicy struct {
	// DiffMode selects hash-value or per-date comparison.
	DiffMode schedule.DiffMode

	// SuppressDailyChanges hides changes found by a daily update.
	SuppressDailyChanges bool
}

// DefaultHashStorePolicy compares hash values and suppresses daily updates.
func DefaultHashStorePolicy() HashStorePolicy {
	return HashStorePolicy{
		DiffMode:             schedule.DiffByHashValue,
		SuppressDailyChanges: true,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// UpdateScheduleHashesHandler is the schedule hash store: an atomic
// read-diff-write of one entity's hash collection.
type UpdateScheduleHashesHandler struct {
	repo   schedule.HashRepository
	locker EntityLocker
	differ schedule.Differ
	policy HashStorePolicy
	today  func() schedule.Date
	logger *slog.Logger
}

// NewUpdateScheduleHashesHandler creates a new UpdateScheduleHashesHandler.
func NewUpdateScheduleHashesHandler(
	repo schedule.HashRepository,
	locker EntityLocker,
	policy HashStorePolicy,
	logger *slog.Logger,
) (*UpdateScheduleHashesHandler, error) {
	differ, err := schedule.DifferFor(policy.DiffMode)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &UpdateScheduleHashesHandler{
		repo:   repo,
		locker: locker,
		differ: differ,
		policy: policy,
		today:  func() schedule.Date { return schedule.DateOf(time.Now()) },
		logger: logger,
	}, nil
}

// Handle executes the update under the entity lock.
func (h *UpdateScheduleHashesHandler) Handle(
	ctx context.Context,
	cmd UpdateScheduleHashesCommand,
) (*UpdateScheduleHashesResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("update_schedule_hashes: validation failed: %w", err)
	}

	unlock, err := lockEntity(ctx, h.locker, cmd.Entity, "UpdateScheduleHashes")
	if err != nil {
		return nil, err
	}
	defer unlock()

	next := schedule.HashCollection{
		PolledOn: cmd.PolledOn,
		Hashes:   schedule.NormalizeHashes(cmd.Hashes),
	}
	if next.PolledOn.IsZero() {
		next.PolledOn = h.today()
	}

	previous, found, err := h.repo.SwapHashes(ctx, cmd.Entity, next)
	if err != nil {
		if shared.IsStore(err) {
			return nil, err
		}
		return nil, shared.StoreError("schedule", "SwapHashes", err)
	}

	if !found {
		h.logger.Info("first observation of entity, hashes seeded",
			"entity", cmd.Entity,
			"dates", len(next.Hashes),
		)
		return &UpdateScheduleHashesResult{FirstObservation: true}, nil
	}

	changed := h.differ(previous.Hashes, next.Hashes)
	daily := cmd.IsDailyUpdate || previous.StartsNewDay(next.PolledOn)

	if daily && h.policy.SuppressDailyChanges {
		if len(changed) > 0 {
			h.logger.Debug("daily update, changes not reported",
				"entity", cmd.Entity,
				"changed", len(changed),
				"previous_poll", previous.PolledOn.String(),
			)
		}
		return &UpdateScheduleHashesResult{DailyUpdate: true, Suppressed: len(changed) > 0}, nil
	}

	return &UpdateScheduleHashesResult{ChangedDates: changed, DailyUpdate: daily}, nil
}

// Update stores hashes for entity and returns the changed dates.
func (h *UpdateScheduleHashesHandler) Update(
	ctx context.Context,
	entity string,
	hashes []schedule.DateHash,
	isDailyUpdate bool,
) ([]schedule.Date, error) {
	res, err := h.Handle(ctx, UpdateScheduleHashesCommand{
		Entity:        entity,
		Hashes:        hashes,
		IsDailyUpdate: isDailyUpdate,
	})
	if err != nil {
		return nil, err
	}
	return res.ChangedDates, nil
}
