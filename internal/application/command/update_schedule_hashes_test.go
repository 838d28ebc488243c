package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/memory"
	"github.com/chsu-bot/schedule-notifier/pkg/keylock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sept(day int) schedule.Date { return schedule.NewDate(2024, 9, day) }

func newHashStore(t *testing.T, repo schedule.HashRepository, policy HashStorePolicy) *UpdateScheduleHashesHandler {
	t.Helper()
	h, err := NewUpdateScheduleHashesHandler(repo, keylock.New(), policy, nil)
	require.NoError(t, err)
	return h
}

func seed(t *testing.T, h *UpdateScheduleHashesHandler, entity string, hashes []schedule.DateHash) {
	t.Helper()
	res, err := h.Handle(context.Background(), UpdateScheduleHashesCommand{Entity: entity, Hashes: hashes})
	require.NoError(t, err)
	require.True(t, res.FirstObservation)
}

func TestUpdateScheduleHashes_FirstObservationSeeds(t *testing.T) {
	store := memory.NewStore()
	h := newHashStore(t, store, DefaultHashStorePolicy())

	changed, err := h.Update(context.Background(), "Group-101",
		[]schedule.DateHash{{Date: sept(1), Hash: "a"}}, false)
	require.NoError(t, err)
	assert.Empty(t, changed)

	stored, ok := store.Hashes("Group-101")
	assert.True(t, ok)
	assert.Equal(t, []schedule.DateHash{{Date: sept(1), Hash: "a"}}, stored)
}

func TestUpdateScheduleHashes_Group101(t *testing.T) {
	store := memory.NewStore()
	h := newHashStore(t, store, DefaultHashStorePolicy())
	seed(t, h, "Group-101", []schedule.DateHash{{Date: sept(1), Hash: "a"}, {Date: sept(2), Hash: "b"}})

	latest := []schedule.DateHash{{Date: sept(1), Hash: "a"}, {Date: sept(2), Hash: "c"}, {Date: sept(3), Hash: "d"}}
	changed, err := h.Update(context.Background(), "Group-101", latest, false)
	require.NoError(t, err)
	assert.Equal(t, []schedule.Date{sept(2), sept(3)}, changed)

	stored, _ := store.Hashes("Group-101")
	assert.Equal(t, latest, stored)
}

func TestUpdateScheduleHashes_DailyUpdateSuppressesButStores(t *testing.T) {
	store := memory.NewStore()
	h := newHashStore(t, store, DefaultHashStorePolicy())
	seed(t, h, "Group-101", []schedule.DateHash{{Date: sept(1), Hash: "a"}, {Date: sept(2), Hash: "b"}})

	latest := []schedule.DateHash{{Date: sept(1), Hash: "a"}, {Date: sept(2), Hash: "c"}, {Date: sept(3), Hash: "d"}}
	res, err := h.Handle(context.Background(), UpdateScheduleHashesCommand{
		Entity: "Group-101", Hashes: latest, IsDailyUpdate: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.ChangedDates)
	assert.True(t, res.Suppressed)

	stored, _ := store.Hashes("Group-101")
	assert.Equal(t, latest, stored)
}

func TestUpdateScheduleHashes_DailyUpdateReportedWhenPolicyAllows(t *testing.T) {
	policy := DefaultHashStorePolicy()
	policy.SuppressDailyChanges = false
	h := newHashStore(t, memory.NewStore(), policy)
	seed(t, h, "Group-101", []schedule.DateHash{{Date: sept(1), Hash: "a"}})

	changed, err := h.Update(context.Background(), "Group-101",
		[]schedule.DateHash{{Date: sept(1), Hash: "b"}}, true)
	require.NoError(t, err)
	assert.Equal(t, []schedule.Date{sept(1)}, changed)
}

func TestUpdateScheduleHashes_FirstPollOfNewDayIsDaily(t *testing.T) {
	store := memory.NewStore()
	h := newHashStore(t, store, DefaultHashStorePolicy())
	ctx := context.Background()

	res, err := h.Handle(ctx, UpdateScheduleHashesCommand{
		Entity: "Group-101", Hashes: []schedule.DateHash{{Date: sept(3), Hash: "a"}}, PolledOn: sept(2),
	})
	require.NoError(t, err)
	require.True(t, res.FirstObservation)

	res, err = h.Handle(ctx, UpdateScheduleHashesCommand{
		Entity: "Group-101", Hashes: []schedule.DateHash{{Date: sept(3), Hash: "b"}}, PolledOn: sept(2),
	})
	require.NoError(t, err)
	assert.False(t, res.DailyUpdate)
	assert.Equal(t, []schedule.Date{sept(3)}, res.ChangedDates)

	res, err = h.Handle(ctx, UpdateScheduleHashesCommand{
		Entity: "Group-101", Hashes: []schedule.DateHash{{Date: sept(3), Hash: "c"}}, PolledOn: sept(3),
	})
	require.NoError(t, err)
	assert.True(t, res.DailyUpdate)
	assert.True(t, res.Suppressed)
	assert.Empty(t, res.ChangedDates)

	polledOn, ok := store.PolledOn("Group-101")
	require.True(t, ok)
	assert.Equal(t, sept(3), polledOn)
}

func TestUpdateScheduleHashes_DefaultsPollDayToToday(t *testing.T) {
	store := memory.NewStore()
	h := newHashStore(t, store, DefaultHashStorePolicy())
	h.today = func() schedule.Date { return sept(5) }

	seed(t, h, "Group-101", []schedule.DateHash{{Date: sept(5), Hash: "a"}})

	polledOn, ok := store.PolledOn("Group-101")
	require.True(t, ok)
	assert.Equal(t, sept(5), polledOn)
}

func TestUpdateScheduleHashes_UnknownPollDayIsNotDaily(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	// Hashes written before the poll day was stored.
	_, _, err := store.SwapHashes(ctx, "Group-101", schedule.HashCollection{
		Hashes: []schedule.DateHash{{Date: sept(3), Hash: "a"}},
	})
	require.NoError(t, err)

	h := newHashStore(t, store, DefaultHashStorePolicy())
	res, err := h.Handle(ctx, UpdateScheduleHashesCommand{
		Entity: "Group-101", Hashes: []schedule.DateHash{{Date: sept(3), Hash: "b"}}, PolledOn: sept(4),
	})
	require.NoError(t, err)
	assert.False(t, res.DailyUpdate)
	assert.Equal(t, []schedule.Date{sept(3)}, res.ChangedDates)
}

func TestUpdateScheduleHashes_Idempotent(t *testing.T) {
	h := newHashStore(t, memory.NewStore(), DefaultHashStorePolicy())
	seed(t, h, "Group-101", []schedule.DateHash{{Date: sept(1), Hash: "a"}})

	latest := []schedule.DateHash{{Date: sept(1), Hash: "b"}, {Date: sept(2), Hash: "c"}}
	first, err := h.Update(context.Background(), "Group-101", latest, false)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := h.Update(context.Background(), "Group-101", latest, false)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestUpdateScheduleHashes_DateModeSeesMovedContent(t *testing.T) {
	policy := DefaultHashStorePolicy()
	policy.DiffMode = schedule.DiffByDatePair
	h := newHashStore(t, memory.NewStore(), policy)
	seed(t, h, "Group-101", []schedule.DateHash{{Date: sept(1), Hash: "a"}, {Date: sept(2), Hash: "b"}})

	changed, err := h.Update(context.Background(), "Group-101",
		[]schedule.DateHash{{Date: sept(1), Hash: "a"}, {Date: sept(2), Hash: "a"}}, false)
	require.NoError(t, err)
	assert.Equal(t, []schedule.Date{sept(2)}, changed)
}

func TestUpdateScheduleHashes_Validation(t *testing.T) {
	h := newHashStore(t, memory.NewStore(), DefaultHashStorePolicy())

	_, err := h.Update(context.Background(), "", nil, false)
	assert.ErrorIs(t, err, shared.ErrEmptyValue)

	_, err = NewUpdateScheduleHashesHandler(memory.NewStore(), keylock.New(),
		HashStorePolicy{DiffMode: "positional"}, nil)
	assert.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Failure and concurrency fakes
// ──────────────────────────────────────────────────────────────────────────────

type failingRepo struct{}

func (failingRepo) SwapHashes(context.Context, string, schedule.HashCollection) (schedule.HashCollection, bool, error) {
	return schedule.HashCollection{}, false, errors.New("connection refused")
}

func TestUpdateScheduleHashes_StoreFailureIsStoreError(t *testing.T) {
	h := newHashStore(t, failingRepo{}, DefaultHashStorePolicy())

	_, err := h.Update(context.Background(), "Group-101", nil, false)
	assert.True(t, shared.IsStore(err))
}

// slowRepo delays every entity write and records how many writes overlap
// per entity. Hash swaps and subscriber changes count alike.
type slowRepo struct {
	*memory.Store
	delay time.Duration

	mu         sync.Mutex
	inFlight   map[string]int
	maxOverlap map[string]int
	total      int32
	maxTotal   int32
}

func newSlowRepo(delay time.Duration) *slowRepo {
	return &slowRepo{
		Store:      memory.NewStore(),
		delay:      delay,
		inFlight:   make(map[string]int),
		maxOverlap: make(map[string]int),
	}
}

// enter marks a write on entity as started and returns the matching exit.
func (r *slowRepo) enter(entity string) func() {
	r.mu.Lock()
	r.inFlight[entity]++
	if r.inFlight[entity] > r.maxOverlap[entity] {
		r.maxOverlap[entity] = r.inFlight[entity]
	}
	r.mu.Unlock()

	n := atomic.AddInt32(&r.total, 1)
	for {
		m := atomic.LoadInt32(&r.maxTotal)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxTotal, m, n) {
			break
		}
	}

	time.Sleep(r.delay)
	return func() {
		atomic.AddInt32(&r.total, -1)
		r.mu.Lock()
		r.inFlight[entity]--
		r.mu.Unlock()
	}
}

func (r *slowRepo) overlap(entity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxOverlap[entity]
}

func (r *slowRepo) SwapHashes(ctx context.Context, entity string, next schedule.HashCollection) (schedule.HashCollection, bool, error) {
	defer r.enter(entity)()
	return r.Store.SwapHashes(ctx, entity, next)
}

func (r *slowRepo) Add(ctx context.Context, entity string, s subscription.Subscriber) error {
	defer r.enter(entity)()
	return r.Store.Add(ctx, entity, s)
}

func (r *slowRepo) Remove(ctx context.Context, entity string, s subscription.Subscriber) (bool, error) {
	defer r.enter(entity)()
	return r.Store.Remove(ctx, entity, s)
}

func (r *slowRepo) PruneOrphan(ctx context.Context, entity string) (bool, error) {
	defer r.enter(entity)()
	return r.Store.PruneOrphan(ctx, entity)
}

func TestUpdateScheduleHashes_SameEntitySerializes(t *testing.T) {
	repo := newSlowRepo(20 * time.Millisecond)
	h := newHashStore(t, repo, DefaultHashStorePolicy())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Update(context.Background(), "Group-101",
				[]schedule.DateHash{{Date: sept(1), Hash: string(rune('a' + i))}}, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.overlap("Group-101"))
}

func TestUpdateScheduleHashes_DifferentEntitiesRunConcurrently(t *testing.T) {
	delay := 100 * time.Millisecond
	repo := newSlowRepo(delay)
	h := newHashStore(t, repo, DefaultHashStorePolicy())

	start := time.Now()
	var wg sync.WaitGroup
	for _, entity := range []string{"Group-101", "Group-102", "Group-103"} {
		wg.Add(1)
		go func(entity string) {
			defer wg.Done()
			_, err := h.Update(context.Background(), entity, nil, false)
			assert.NoError(t, err)
		}(entity)
	}
	wg.Wait()

	assert.Equal(t, int32(3), repo.maxTotal)
	assert.Less(t, time.Since(start), 3*delay)
}
