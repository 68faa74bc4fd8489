package recurrence

import "time"

// MaxSnoozes caps snoozes per occurrence.
const MaxSnoozes = 3

type SnoozeOption string

const (
	Snooze15m      SnoozeOption = "15m"
	Snooze30m      SnoozeOption = "30m"
	Snooze1h       SnoozeOption = "1h"
	Snooze2h       SnoozeOption = "2h"
	SnoozeTomorrow SnoozeOption = "tomorrow"
)

// SnoozeUntil returns the overridden fire instant. Fixed offsets count from
// now; "tomorrow" is the due time of day on the local day after now.
func SnoozeUntil(opt SnoozeOption, now, dueAt time.Time, loc *time.Location) (time.Time, error) {
	switch opt {
	case Snooze15m:
		return now.Add(15 * time.Minute), nil
	case Snooze30m:
		return now.Add(30 * time.Minute), nil
	case Snooze1h:
		return now.Add(time.Hour), nil
	case Snooze2h:
		return now.Add(2 * time.Hour), nil
	case SnoozeTomorrow:
		if loc == nil {
			loc = time.UTC
		}
		y, m, d := now.In(loc).Date()
		hh, mm, ss := dueAt.In(loc).Clock()
		return time.Date(y, m, d+1, hh, mm, ss, 0, loc), nil
	default:
		return time.Time{}, ErrInvalidSnooze
	}
}
