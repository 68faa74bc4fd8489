// Package recurrence computes next fire instants for schedules and reminders.
// Every function is pure: the caller supplies the reference instant and the
// zone, and all wall-clock math happens in that zone with time.Date so a
// local time of day stays put across daylight-saving transitions.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNoDays          = errors.New("recurrence: at least one weekday is required")
	ErrInvalidTime     = errors.New("recurrence: invalid time of day")
	ErrInvalidRule     = errors.New("recurrence: invalid rule")
	ErrInvalidSnooze   = errors.New("recurrence: invalid snooze option")
	ErrUnknownLocation = errors.New("recurrence: unknown timezone")
)

// TimeOfDay is a local wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// LoadLocation wraps time.LoadLocation with a package error.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLocation, name)
	}
	return loc, nil
}

// NextScheduleRun returns the earliest instant strictly after ref that falls on
// one of days at tod in loc.
func NextScheduleRun(days []time.Weekday, tod TimeOfDay, loc *time.Location, ref time.Time) (time.Time, error) {
	if len(days) == 0 {
		return time.Time{}, ErrNoDays
	}
	if !tod.valid() {
		return time.Time{}, ErrInvalidTime
	}
	if loc == nil {
		loc = time.UTC
	}
	selected := weekdaySet(days)

	y, m, d := ref.In(loc).Date()
	// Eight days covers "today, but already passed" landing on next week's same weekday.
	for i := 0; i <= 7; i++ {
		candidate := time.Date(y, m, d+i, tod.Hour, tod.Minute, 0, 0, loc)
		if !selected[candidate.Weekday()] {
			continue
		}
		if candidate.After(ref) {
			return candidate, nil
		}
	}
	return time.Time{}, ErrNoDays
}

// NormalizeDays sorts and deduplicates weekdays and rejects out-of-range values.
func NormalizeDays(days []int) ([]time.Weekday, error) {
	seen := make(map[int]bool, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("%w: weekday %d", ErrInvalidRule, d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, time.Weekday(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func weekdaySet(days []time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}
