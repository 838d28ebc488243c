package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

func TestFromSubscriberDocs_Sorted(t *testing.T) {
	subs := fromSubscriberDocs([]subscriberDoc{
		{Platform: "vk", UserID: 1},
		{Platform: "telegram", UserID: 9},
		{Platform: "telegram", UserID: 3},
	})
	assert.Equal(t, []subscription.Subscriber{
		{UserID: 3, Platform: subscription.PlatformTelegram},
		{UserID: 9, Platform: subscription.PlatformTelegram},
		{UserID: 1, Platform: subscription.PlatformVK},
	}, subs)
}

func TestConnect_RejectsBadURI(t *testing.T) {
	_, err := Connect(context.Background(), DefaultConfig("http://localhost"))
	assert.Error(t, err)
}

// openTestDB connects to TEST_MONGO_URI using a throwaway database.
func openTestDB(t *testing.T) *Connection {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI is not set")
	}

	ctx := context.Background()
	cfg := DefaultConfig(uri)
	cfg.Database = "schedule_test_" + uuid.NewString()[:8]

	conn, err := Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Database().Drop(ctx)
		_ = conn.Close(ctx)
	})

	_, err = conn.EnsureIndexes(ctx)
	require.NoError(t, err)
	return conn
}

func TestEntityRepository_Integration(t *testing.T) {
	repo := NewEntityRepository(openTestDB(t))
	ctx := context.Background()

	alice := subscription.Subscriber{UserID: 1, Platform: subscription.PlatformTelegram}
	bob := subscription.Subscriber{UserID: 1, Platform: subscription.PlatformVK}

	require.NoError(t, repo.Add(ctx, "Петров Пётр Петрович", alice))
	require.NoError(t, repo.Add(ctx, "Петров Пётр Петрович", bob))
	require.NoError(t, repo.Add(ctx, "Петров Пётр Петрович", alice))

	subs, err := repo.Subscribers(ctx, "Петров Пётр Петрович")
	require.NoError(t, err)
	assert.Equal(t, []subscription.Subscriber{alice, bob}, subs)

	hashes := schedule.HashCollection{
		PolledOn: schedule.NewDate(2024, 9, 2),
		Hashes:   []schedule.DateHash{{Date: schedule.NewDate(2024, 9, 2), Hash: "aa"}},
	}
	_, found, err := repo.SwapHashes(ctx, "Петров Пётр Петрович", hashes)
	require.NoError(t, err)
	assert.False(t, found)

	prev, found, err := repo.SwapHashes(ctx, "Петров Пётр Петрович", schedule.HashCollection{Hashes: []schedule.DateHash{}})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, hashes, prev)

	prev, found, err = repo.SwapHashes(ctx, "Петров Пётр Петрович", hashes)
	require.NoError(t, err)
	assert.True(t, found, "an empty stored collection still counts as stored")
	assert.Empty(t, prev.Hashes)
	assert.True(t, prev.PolledOn.IsZero())

	pruned, err := repo.Remove(ctx, "Петров Пётр Петрович", alice)
	require.NoError(t, err)
	assert.False(t, pruned)
	pruned, err = repo.Remove(ctx, "Петров Пётр Петрович", bob)
	require.NoError(t, err)
	assert.True(t, pruned)

	entities, err := repo.Entities(ctx)
	require.NoError(t, err)
	assert.Empty(t, entities)

	_, _, err = repo.SwapHashes(ctx, "Петров Пётр Петрович", hashes)
	require.NoError(t, err)
	orphans, err := repo.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Петров Пётр Петрович"}, orphans)

	deleted, err := repo.PruneOrphan(ctx, "Петров Пётр Петрович")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.PruneOrphan(ctx, "Петров Пётр Петрович")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUserRepository_Integration(t *testing.T) {
	repo := NewUserRepository(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	u := subscription.NewUser(7, subscription.PlatformTelegram, now)
	require.NoError(t, u.SwitchEntity(schedule.Entity{Name: "1ПИ-01", Kind: schedule.KindGroup}, now))
	require.NoError(t, u.SetMailingTime("21:00", now))
	require.NoError(t, repo.Save(ctx, u))
	require.NoError(t, repo.Save(ctx, u))

	got, found, err := repo.Get(ctx, u.Subscriber())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, u, got)

	due, err := repo.FindByMailingTime(ctx, "21:00")
	require.NoError(t, err)
	assert.Equal(t, []subscription.Subscriber{u.Subscriber()}, due)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
