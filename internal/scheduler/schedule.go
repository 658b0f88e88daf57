package scheduler

import (
	"time"
)

// IntervalSchedule runs a task at a fixed interval after its last run.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// AlignedSchedule runs a task on wall-clock multiples of Interval, shifted
// by Offset. An interval of one minute with a five second offset fires at
// hh:mm:05.
type AlignedSchedule struct {
	Interval time.Duration
	Offset   time.Duration
}

// Aligned creates an aligned schedule.
func Aligned(interval, offset time.Duration) *AlignedSchedule {
	return &AlignedSchedule{Interval: interval, Offset: offset % interval}
}

// Next returns the first aligned instant strictly after the given time.
func (s *AlignedSchedule) Next(after time.Time) time.Time {
	next := after.Add(-s.Offset).Truncate(s.Interval).Add(s.Interval + s.Offset)
	if !next.After(after) {
		next = next.Add(s.Interval)
	}
	return next
}
