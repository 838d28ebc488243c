// Package timeutil provides fixed-offset timezone utilities.
// The university works on Moscow time (UTC+3, no DST), and every wall-clock
// decision of the bot (mailing minute, "today", "tomorrow", the polling
// window) is made against a fixed offset rather than the host's local time.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// DefaultOffsetHours is the university's UTC offset.
const DefaultOffsetHours = 3

// MoscowTZ is the default fixed zone (UTC+3).
var MoscowTZ = FixedZone(DefaultOffsetHours)

// FixedZone returns a zone with a constant offset of the given hours.
func FixedZone(offsetHours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*60*60)
}

// Common date/time formats.
const (
	// FormatTime is the mailing time format (HH:MM).
	FormatTime = "15:04"
	// FormatRussianDate is the Russian date format (DD.MM.YYYY).
	FormatRussianDate = "02.01.2006"
	// FormatRussianDateTime is the Russian datetime format.
	FormatRussianDateTime = "02.01.2006 15:04:05"
	// FormatDayMonth is the short date users type (DD.MM).
	FormatDayMonth = "02.01"
	// FormatISODate is the storage date format (YYYY-MM-DD).
	FormatISODate = "2006-01-02"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLOCK
// ══════════════════════════════════════════════════════════════════════════════

// Clock reads the current time in a fixed zone. The zero value is not usable;
// construct with NewClock.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock creates a clock for the given UTC offset.
func NewClock(offsetHours int) *Clock {
	return &Clock{loc: FixedZone(offsetHours), now: time.Now}
}

// NewClockAt creates a clock that always reports the given instant. Used in tests.
func NewClockAt(loc *time.Location, now func() time.Time) *Clock {
	if loc == nil {
		loc = MoscowTZ
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{loc: loc, now: now}
}

// Location returns the clock's zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the clock's zone.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// Today returns the start of the current day.
func (c *Clock) Today() time.Time {
	return StartOfDay(c.Now())
}

// Tomorrow returns the start of the next day.
func (c *Clock) Tomorrow() time.Time {
	return c.Today().AddDate(0, 0, 1)
}

// MinuteKey returns the current wall-clock minute as HH:MM.
func (c *Clock) MinuteKey() string {
	return c.Now().Format(FormatTime)
}

// ══════════════════════════════════════════════════════════════════════════════
// DAY ARITHMETIC
// ══════════════════════════════════════════════════════════════════════════════

// StartOfDay returns the start of the day (00:00:00) in t's zone.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the end of the day (23:59:59.999999999) in t's zone.
func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, t.Location())
}

// StartOfWeek returns the start of the week (Monday 00:00:00) in t's zone.
func StartOfWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return StartOfDay(t.AddDate(0, 0, -(weekday - 1)))
}

// EndOfWeek returns the end of the week (Sunday 23:59:59) in t's zone.
func EndOfWeek(t time.Time) time.Time {
	return EndOfDay(StartOfWeek(t).AddDate(0, 0, 6))
}

// ══════════════════════════════════════════════════════════════════════════════
// PARSING
// ══════════════════════════════════════════════════════════════════════════════

// ParseDayMonth parses a DD.MM string relative to now. A date in a month
// earlier than now's month belongs to the next year.
func ParseDayMonth(value string, now time.Time) (time.Time, error) {
	parsed, err := time.ParseInLocation(FormatDayMonth, value, now.Location())
	if err != nil {
		return time.Time{}, err
	}

	year := now.Year()
	if parsed.Month() < now.Month() {
		year++
	}

	t := time.Date(year, parsed.Month(), parsed.Day(), 0, 0, 0, 0, now.Location())
	if t.Day() != parsed.Day() {
		return time.Time{}, fmt.Errorf("day %d does not exist in %s %d", parsed.Day(), parsed.Month(), year)
	}
	return t, nil
}

// IsMailingTime reports whether value is a valid HH:MM wall-clock time.
func IsMailingTime(value string) bool {
	if len(value) != len(FormatTime) {
		return false
	}
	_, err := time.Parse(FormatTime, value)
	return err == nil
}

// ══════════════════════════════════════════════════════════════════════════════
// NAMES
// ══════════════════════════════════════════════════════════════════════════════

// WeekdayNameRu returns the Russian name for a weekday.
func WeekdayNameRu(t time.Time) string {
	switch t.Weekday() {
	case time.Monday:
		return "Понедельник"
	case time.Tuesday:
		return "Вторник"
	case time.Wednesday:
		return "Среда"
	case time.Thursday:
		return "Четверг"
	case time.Friday:
		return "Пятница"
	case time.Saturday:
		return "Суббота"
	case time.Sunday:
		return "Воскресенье"
	default:
		return ""
	}
}

// FormatUptime renders a duration as "Xd Yh Zm Ws".
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
