package schedule

import "context"

// Source fetches timetables from the university API.
type Source interface {
	// FetchSchedule returns the entity's classes within r grouped by day.
	// Fails with an UpstreamError on transport or decoding failures.
	FetchSchedule(ctx context.Context, entity string, r DateRange) (*Snapshot, error)

	// Resolve looks up a group or professor by name. Returns found=false
	// when the name is not in the university directory.
	Resolve(ctx context.Context, name string) (Entity, bool, error)
}

// HashRepository persists the latest hash collection per tracked entity.
type HashRepository interface {
	// SwapHashes atomically replaces the stored collection of entity with
	// next and returns the previous one. found is false when the entity
	// had no stored collection; next is stored regardless.
	SwapHashes(ctx context.Context, entity string, next HashCollection) (previous HashCollection, found bool, err error)
}

// DirectoryEntry is one group or professor known to the university API.
type DirectoryEntry struct {
	Name string     `json:"name"`
	ID   int64      `json:"id"`
	Kind EntityKind `json:"kind"`
}

// DirectoryCache stores the university directory between restarts and
// across replicas. A miss is found=false, not an error.
type DirectoryCache interface {
	LoadDirectory(ctx context.Context) (entries []DirectoryEntry, found bool, err error)
	StoreDirectory(ctx context.Context, entries []DirectoryEntry) error
}
