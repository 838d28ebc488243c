package subscription

import "context"

// UserRepository stores users keyed by (id, platform).
type UserRepository interface {
	// Get returns the user or found=false when it was never registered.
	Get(ctx context.Context, key Subscriber) (user *User, found bool, err error)

	// Save inserts or replaces the user.
	Save(ctx context.Context, user *User) error

	// FindByMailingTime returns users whose mailing time equals hhmm.
	FindByMailingTime(ctx context.Context, hhmm string) ([]Subscriber, error)

	// Count returns the number of stored users.
	Count(ctx context.Context) (int64, error)
}

// Registry is the per-entity set of change-notification subscribers.
type Registry interface {
	// Add puts s into the entity's set, creating the entity on first use.
	Add(ctx context.Context, entity string, s Subscriber) error

	// Remove takes s out of the entity's set. An entity whose set becomes
	// empty is deleted together with its stored hashes; pruned reports that.
	Remove(ctx context.Context, entity string, s Subscriber) (pruned bool, err error)

	// Subscribers returns the entity's set; empty when the entity is unknown.
	Subscribers(ctx context.Context, entity string) ([]Subscriber, error)

	// Entities returns every entity with at least one subscriber.
	Entities(ctx context.Context) ([]string, error)

	// Orphans lists entities that are stored without any subscriber, left
	// behind by a poll racing the last unsubscribe.
	Orphans(ctx context.Context) ([]string, error)

	// PruneOrphan deletes entity with its hashes if it still has no
	// subscribers. Callers hold the entity lock.
	PruneOrphan(ctx context.Context, entity string) (pruned bool, err error)
}
