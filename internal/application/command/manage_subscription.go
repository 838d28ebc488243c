package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTION COMMANDS
// User-initiated changes to the chosen schedule, change tracking and daily
// mailing. Registry writes take the same entity lock as the hash store so a
// subscription change never interleaves with a poll of that entity.
// ══════════════════════════════════════════════════════════════════════════════

// ChangeEntityCommand selects the group or professor a user reads.
type ChangeEntityCommand struct {
	Subscriber subscription.Subscriber
	Entity     schedule.Entity
}

// SetTrackingCommand turns change notifications on or off.
type SetTrackingCommand struct {
	Subscriber subscription.Subscriber
	Enabled    bool
}

// SetMailingCommand sets the daily mailing time; an empty Time unsubscribes.
type SetMailingCommand struct {
	Subscriber subscription.Subscriber
	Time       string
}

// SubscriptionHandler handles the subscription commands.
type SubscriptionHandler struct {
	users    subscription.UserRepository
	registry subscription.Registry
	locker   EntityLocker
	now      func() time.Time
	logger   *slog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(
	users subscription.UserRepository,
	registry subscription.Registry,
	locker EntityLocker,
	logger *slog.Logger,
) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		users:    users,
		registry: registry,
		locker:   locker,
		now:      time.Now,
		logger:   logger,
	}
}

// User returns the stored user, or found=false for somebody who never registered.
func (h *SubscriptionHandler) User(ctx context.Context, key subscription.Subscriber) (*subscription.User, bool, error) {
	u, found, err := h.users.Get(ctx, key)
	if err != nil {
		return nil, false, shared.StoreError("subscription", "GetUser", err)
	}
	return u, found, nil
}

// ChangeEntity switches the user to another schedule, leaving the previous
// entity's subscriber set.
func (h *SubscriptionHandler) ChangeEntity(ctx context.Context, cmd ChangeEntityCommand) (*subscription.User, error) {
	if !cmd.Entity.Kind.IsValid() {
		return nil, fmt.Errorf("change_entity: %w", shared.ErrInvalidInput)
	}

	u, found, err := h.User(ctx, cmd.Subscriber)
	if err != nil {
		return nil, err
	}
	if !found {
		u = subscription.NewUser(cmd.Subscriber.UserID, cmd.Subscriber.Platform, h.now())
	}

	if u.IsRegistered() && u.NotifyOnChange {
		if err := h.leave(ctx, u.Entity.Name, u.Subscriber()); err != nil {
			return nil, err
		}
	}

	if err := u.SwitchEntity(cmd.Entity, h.now()); err != nil {
		return nil, fmt.Errorf("change_entity: %w", err)
	}
	if err := h.users.Save(ctx, u); err != nil {
		return nil, shared.StoreError("subscription", "SaveUser", err)
	}

	h.logger.Info("user switched schedule",
		"user_id", u.ID,
		"platform", u.Platform,
		"entity", u.Entity.Name,
		"kind", u.Entity.Kind,
	)
	return u, nil
}

// SetTracking subscribes or unsubscribes the user to changes of their entity.
func (h *SubscriptionHandler) SetTracking(ctx context.Context, cmd SetTrackingCommand) (*subscription.User, error) {
	u, found, err := h.User(ctx, cmd.Subscriber)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, shared.ErrUserNotFound
	}
	if !u.IsRegistered() {
		return nil, shared.ErrNoEntitySelected
	}

	if cmd.Enabled {
		err = h.join(ctx, u.Entity.Name, u.Subscriber())
	} else {
		err = h.leave(ctx, u.Entity.Name, u.Subscriber())
	}
	if err != nil {
		return nil, err
	}

	u.NotifyOnChange = cmd.Enabled
	u.UpdatedAt = h.now()
	if err := h.users.Save(ctx, u); err != nil {
		return nil, shared.StoreError("subscription", "SaveUser", err)
	}

	h.logger.Info("change tracking updated",
		"user_id", u.ID,
		"platform", u.Platform,
		"entity", u.Entity.Name,
		"enabled", cmd.Enabled,
	)
	return u, nil
}

// SetMailing updates the daily mailing time of a registered user.
func (h *SubscriptionHandler) SetMailing(ctx context.Context, cmd SetMailingCommand) (*subscription.User, error) {
	u, found, err := h.User(ctx, cmd.Subscriber)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, shared.ErrUserNotFound
	}

	if err := u.SetMailingTime(cmd.Time, h.now()); err != nil {
		return nil, err
	}
	if err := h.users.Save(ctx, u); err != nil {
		return nil, shared.StoreError("subscription", "SaveUser", err)
	}
	return u, nil
}

func (h *SubscriptionHandler) join(ctx context.Context, entity string, s subscription.Subscriber) error {
	unlock, err := lockEntity(ctx, h.locker, entity, "Subscribe")
	if err != nil {
		return err
	}
	defer unlock()

	if err := h.registry.Add(ctx, entity, s); err != nil {
		return shared.StoreError("subscription", "Add", err)
	}
	return nil
}

func (h *SubscriptionHandler) leave(ctx context.Context, entity string, s subscription.Subscriber) error {
	unlock, err := lockEntity(ctx, h.locker, entity, "Unsubscribe")
	if err != nil {
		return err
	}
	defer unlock()

	pruned, err := h.registry.Remove(ctx, entity, s)
	if err != nil {
		return shared.StoreError("subscription", "Remove", err)
	}
	if pruned {
		h.logger.Info("entity has no subscribers left, pruned", "entity", entity)
	}
	return nil
}

// PruneOrphans deletes tracked entities nobody subscribes to any more. Each
// delete runs under the entity lock, so a subscriber added meanwhile keeps
// the entity alive.
func (h *SubscriptionHandler) PruneOrphans(ctx context.Context) (int64, error) {
	orphans, err := h.registry.Orphans(ctx)
	if err != nil {
		return 0, shared.StoreError("subscription", "Orphans", err)
	}

	var pruned int64
	for _, entity := range orphans {
		deleted, err := h.pruneOrphan(ctx, entity)
		if err != nil {
			return pruned, err
		}
		if deleted {
			pruned++
		}
	}
	return pruned, nil
}

func (h *SubscriptionHandler) pruneOrphan(ctx context.Context, entity string) (bool, error) {
	unlock, err := lockEntity(ctx, h.locker, entity, "PruneOrphan")
	if err != nil {
		return false, err
	}
	defer unlock()

	deleted, err := h.registry.PruneOrphan(ctx, entity)
	if err != nil {
		return false, shared.StoreError("subscription", "PruneOrphan", err)
	}
	return deleted, nil
}
