package memory

import (
	"context"
	"testing"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var timeZero = time.Time{}

func TestStore_SwapHashes(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	first := schedule.HashCollection{
		PolledOn: schedule.NewDate(2024, 9, 1),
		Hashes:   []schedule.DateHash{{Date: schedule.NewDate(2024, 9, 1), Hash: "a"}},
	}

	prev, found, err := s.SwapHashes(ctx, "1ПИб-01", first)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, prev.Hashes)

	prev, found, err = s.SwapHashes(ctx, "1ПИб-01", schedule.HashCollection{PolledOn: schedule.NewDate(2024, 9, 2)})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first, prev)

	stored, ok := s.Hashes("1ПИб-01")
	assert.True(t, ok)
	assert.Empty(t, stored)

	day, ok := s.PolledOn("1ПИб-01")
	assert.True(t, ok)
	assert.Equal(t, schedule.NewDate(2024, 9, 2), day)
}

func TestStore_RegistryPrunesEmptyEntity(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a := subscription.Subscriber{UserID: 1, Platform: subscription.PlatformTelegram}
	b := subscription.Subscriber{UserID: 2, Platform: subscription.PlatformVK}

	require.NoError(t, s.Add(ctx, "1ПИб-01", a))
	require.NoError(t, s.Add(ctx, "1ПИб-01", b))
	require.NoError(t, s.Add(ctx, "1ПИб-01", a))
	_, _, err := s.SwapHashes(ctx, "1ПИб-01", schedule.HashCollection{Hashes: []schedule.DateHash{{Hash: "x"}}})
	require.NoError(t, err)

	subs, err := s.Subscribers(ctx, "1ПИб-01")
	require.NoError(t, err)
	assert.Equal(t, []subscription.Subscriber{a, b}, subs)

	pruned, err := s.Remove(ctx, "1ПИб-01", a)
	require.NoError(t, err)
	assert.False(t, pruned)

	pruned, err = s.Remove(ctx, "1ПИб-01", b)
	require.NoError(t, err)
	assert.True(t, pruned)

	entities, err := s.Entities(ctx)
	require.NoError(t, err)
	assert.Empty(t, entities)

	_, ok := s.Hashes("1ПИб-01")
	assert.False(t, ok, "pruning drops stored hashes")
}

func TestStore_OrphanFromHashesOnly(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, _, err := s.SwapHashes(ctx, "orphan", schedule.HashCollection{})
	require.NoError(t, err)

	entities, err := s.Entities(ctx)
	require.NoError(t, err)
	assert.Empty(t, entities)

	orphans, err := s.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, orphans)

	// A subscriber arriving before the prune keeps the entity.
	require.NoError(t, s.Add(ctx, "orphan", subscription.Subscriber{UserID: 1, Platform: subscription.PlatformVK}))
	pruned, err := s.PruneOrphan(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, pruned)

	_, err = s.Remove(ctx, "orphan", subscription.Subscriber{UserID: 1, Platform: subscription.PlatformVK})
	require.NoError(t, err)
	pruned, err = s.PruneOrphan(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, pruned, "Remove already dropped the empty entity")

	_, _, err = s.SwapHashes(ctx, "orphan", schedule.HashCollection{})
	require.NoError(t, err)
	pruned, err = s.PruneOrphan(ctx, "orphan")
	require.NoError(t, err)
	assert.True(t, pruned)
}

func TestStore_FindByMailingTime(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	u1 := subscription.NewUser(1, subscription.PlatformTelegram, timeZero)
	u1.MailingTime = "07:30"
	u2 := subscription.NewUser(2, subscription.PlatformVK, timeZero)
	u2.MailingTime = "08:00"
	u3 := subscription.NewUser(3, subscription.PlatformVK, timeZero)

	for _, u := range []*subscription.User{u1, u2, u3} {
		require.NoError(t, s.Save(ctx, u))
	}

	subs, err := s.FindByMailingTime(ctx, "07:30")
	require.NoError(t, err)
	assert.Equal(t, []subscription.Subscriber{u1.Subscriber()}, subs)

	none, err := s.FindByMailingTime(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, none)

	got, found, err := s.Get(ctx, u2.Subscriber())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "08:00", got.MailingTime)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
