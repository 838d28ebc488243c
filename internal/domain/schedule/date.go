// Package schedule contains the timetable domain: calendar dates, rendered
// days, per-date content hashes and the change detection between two hash
// collections. It has no dependencies on infrastructure.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
)

// Date is a calendar day without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate creates a Date, normalizing overflowing values the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar day of t in t's zone.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses the university format DD.MM.YYYY.
func ParseDate(value string) (Date, error) {
	t, err := time.Parse("02.01.2006", value)
	if err != nil {
		return Date{}, shared.WrapError("schedule", "ParseDate", shared.ErrInvalidFormat,
			fmt.Sprintf("invalid date %q", value), err)
	}
	return DateOf(t), nil
}

// ParseISODate parses the storage format YYYY-MM-DD.
func ParseISODate(value string) (Date, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return Date{}, shared.WrapError("schedule", "ParseISODate", shared.ErrInvalidFormat,
			fmt.Sprintf("invalid date %q", value), err)
	}
	return DateOf(t), nil
}

// String formats the date as DD.MM.YYYY.
func (d Date) String() string {
	return fmt.Sprintf("%02d.%02d.%04d", d.Day, int(d.Month), d.Year)
}

// ISO formats the date as YYYY-MM-DD.
func (d Date) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight of the date in loc.
func (d Date) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d == Date{}
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time(time.UTC).AddDate(0, 0, n))
}

// SortDates sorts dates in ascending order in place.
func SortDates(dates []Date) {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	From Date
	To   Date
}

// SingleDay returns a range covering only d.
func SingleDay(d Date) DateRange {
	return DateRange{From: d, To: d}
}

// Contains reports whether d lies within the range.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !r.To.Before(d)
}

// String formats the range as DD.MM.YYYY-DD.MM.YYYY.
func (r DateRange) String() string {
	return r.From.String() + "-" + r.To.String()
}
