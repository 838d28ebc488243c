package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule fires every Interval. An aligned schedule fires on
// wall-clock multiples of the interval (every minute at second 0) instead of
// counting from the previous run.
type IntervalSchedule struct {
	Interval time.Duration
	Aligned  bool
}

// EveryMinute fires at second 0 of every minute. The daily mailing runs on it.
var EveryMinute = NewAlignedSchedule(time.Minute)

// NewIntervalSchedule creates a new IntervalSchedule.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// NewAlignedSchedule creates an IntervalSchedule that fires on interval boundaries.
func NewAlignedSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval, Aligned: true}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	if s.Aligned {
		return t.Truncate(s.Interval).Add(s.Interval)
	}
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	if s.Aligned {
		return fmt.Sprintf("@every %s aligned", s.Interval)
	}
	return fmt.Sprintf("@every %s", s.Interval)
}
