package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("SCHEDULE_API_USERNAME", "bot")
	t.Setenv("SCHEDULE_API_PASSWORD", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.App.TZOffsetHours)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 8, cfg.HTTP.WebhookWorkers)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Checker.Interval)
	assert.Equal(t, "hash", cfg.Checker.DiffMode)
	assert.True(t, cfg.Checker.SuppressDaily)
	assert.True(t, cfg.Mailing.Enabled)
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Features.IsEnabled(FeatureDailyMailing, nil))
}

func TestLoad_EnvFile(t *testing.T) {
	setBaseEnv(t)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TELEGRAM_ADMIN_IDS=1, 2,x\nCHECKER_INTERVAL=30m\nTELEGRAM_BOT_TOKEN=from-file\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	// godotenv sets variables for the process; undo after the test.
	t.Cleanup(func() {
		os.Unsetenv("TELEGRAM_ADMIN_IDS")
		os.Unsetenv("CHECKER_INTERVAL")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, cfg.Telegram.AdminIDs)
	assert.Equal(t, 30*time.Minute, cfg.Checker.Interval)
	assert.Equal(t, "123:abc", cfg.Telegram.Token, "the environment wins over the file")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "no messenger",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": ""},
			want: "at least one of TELEGRAM_BOT_TOKEN and VK_TOKEN",
		},
		{
			name: "vk without group",
			env:  map[string]string{"VK_TOKEN": "vk1.a"},
			want: "VK_GROUP_ID is required",
		},
		{
			name: "postgres without url",
			env:  map[string]string{"STORE_DRIVER": "postgres"},
			want: "DATABASE_URL is required",
		},
		{
			name: "unknown driver",
			env:  map[string]string{"STORE_DRIVER": "sqlite"},
			want: "STORE_DRIVER must satisfy oneof",
		},
		{
			name: "bad diff mode",
			env:  map[string]string{"DIFF_MODE": "fuzzy"},
			want: "DIFF_MODE must satisfy oneof",
		},
		{
			name: "interval too short",
			env:  map[string]string{"CHECKER_INTERVAL": "10s"},
			want: "CHECKER_INTERVAL must satisfy min=1m",
		},
		{
			name: "memory in production",
			env:  map[string]string{"APP_ENV": "production"},
			want: "not allowed in production",
		},
		{
			name: "missing credentials",
			env:  map[string]string{"SCHEDULE_API_PASSWORD": ""},
			want: "SCHEDULE_API_PASSWORD must satisfy required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedisConfig_Enabled(t *testing.T) {
	assert.False(t, RedisConfig{}.Enabled())
	assert.True(t, RedisConfig{URL: "redis://localhost:6379/0"}.Enabled())
	assert.False(t, RedisConfig{Host: "localhost", Disabled: true}.Enabled())
}

func TestFeatureFlags(t *testing.T) {
	t.Setenv("FEATURE_CHAT_ADMIN_RELAY", "false")
	t.Setenv("FEATURE_CHAT_BUILDING_LOCATIONS", "50")

	ff := LoadFeatureFlags()

	assert.False(t, ff.IsEnabled(FeatureAdminRelay, nil))
	assert.True(t, ff.IsEnabled(FeatureBuildingLocations, nil))
	assert.False(t, ff.IsEnabled("unknown", nil))

	// Rollout buckets are stable per user.
	first := ff.IsEnabled(FeatureBuildingLocations, &FeatureContext{UserID: 42})
	assert.Equal(t, first, ff.IsEnabled(FeatureBuildingLocations, &FeatureContext{UserID: 42}))

	in := 0
	for id := int64(1); id <= 1000; id++ {
		if ff.IsEnabled(FeatureBuildingLocations, &FeatureContext{UserID: id}) {
			in++
		}
	}
	assert.InDelta(t, 500, in, 100)

	ff.SetUserOverride(42, FeatureAdminRelay, true)
	assert.True(t, ff.IsEnabled(FeatureAdminRelay, &FeatureContext{UserID: 42}))
	assert.True(t, ff.IsEnabled(FeatureBuildingLocations, &FeatureContext{UserID: 7, IsAdmin: true}))

	snap := ff.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, FeatureAdminRelay, snap[0].Name)
}
