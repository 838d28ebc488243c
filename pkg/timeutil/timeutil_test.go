package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_UsesFixedOffset(t *testing.T) {
	utc := time.Date(2024, 9, 1, 21, 30, 0, 0, time.UTC)
	clock := NewClockAt(FixedZone(3), func() time.Time { return utc })

	assert.Equal(t, "00:30", clock.MinuteKey())
	assert.Equal(t, 2, clock.Now().Day())
	assert.Equal(t, time.Date(2024, 9, 3, 0, 0, 0, 0, clock.Location()), clock.Tomorrow())
}

func TestEndOfWeek(t *testing.T) {
	wed := time.Date(2024, 9, 4, 12, 0, 0, 0, MoscowTZ)

	end := EndOfWeek(wed)
	assert.Equal(t, time.Sunday, end.Weekday())
	assert.Equal(t, 8, end.Day())

	sunday := time.Date(2024, 9, 8, 10, 0, 0, 0, MoscowTZ)
	assert.Equal(t, 8, EndOfWeek(sunday).Day())
}

func TestParseDayMonth(t *testing.T) {
	now := time.Date(2024, 11, 15, 10, 0, 0, 0, MoscowTZ)

	got, err := ParseDayMonth("20.11", now)
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())

	got, err = ParseDayMonth("10.01", now)
	require.NoError(t, err)
	assert.Equal(t, 2025, got.Year(), "earlier month rolls into next year")

	_, err = ParseDayMonth("31.02", now)
	assert.Error(t, err)

	_, err = ParseDayMonth("tomorrow", now)
	assert.Error(t, err)
}

func TestIsMailingTime(t *testing.T) {
	assert.True(t, IsMailingTime("07:05"))
	assert.True(t, IsMailingTime("23:59"))
	assert.False(t, IsMailingTime("24:00"))
	assert.False(t, IsMailingTime("7:05"))
	assert.False(t, IsMailingTime("07:60"))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0h 1m 5s", FormatUptime(65*time.Second))
	assert.Equal(t, "1d 2h 0m 0s", FormatUptime(26*time.Hour))
}
