package recurrence

import (
	"time"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// Rule is a reminder recurrence.
type Rule struct {
	Frequency  Frequency      `json:"frequency"`
	Interval   int            `json:"interval,omitempty"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth int            `json:"day_of_month,omitempty"`
	EndsAt     *time.Time     `json:"ends_at,omitempty"`
}

func (r Rule) Validate() error {
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
	default:
		return ErrInvalidRule
	}
	if r.Interval < 0 {
		return ErrInvalidRule
	}
	if r.Frequency == FrequencyCustom && r.Interval < 1 {
		return ErrInvalidRule
	}
	if r.DayOfMonth < 0 || r.DayOfMonth > 31 {
		return ErrInvalidRule
	}
	for _, d := range r.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return ErrInvalidRule
		}
	}
	return nil
}

// Anchored pins a monthly rule without DayOfMonth to the local day of dueAt,
// so a series that starts on the 31st returns to the 31st after a short month.
func (r Rule) Anchored(dueAt time.Time, loc *time.Location) Rule {
	if r.Frequency != FrequencyMonthly || r.DayOfMonth != 0 {
		return r
	}
	if loc == nil {
		loc = time.UTC
	}
	r.DayOfMonth = dueAt.In(loc).Day()
	return r
}

func (r Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

// maxAdvanceSteps bounds NextOccurrenceAfter for reminders paused for years.
const maxAdvanceSteps = 100000

// NextOccurrence returns the occurrence after dueAt. ok is false once the
// series has ended (the next instant would be after EndsAt).
func NextOccurrence(r Rule, dueAt time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, false, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := dueAt.In(loc)
	y, m, d := local.Date()
	hh, mm, ss := local.Clock()

	switch r.Frequency {
	case FrequencyDaily, FrequencyCustom:
		next = time.Date(y, m, d+r.interval(), hh, mm, ss, 0, loc)
	case FrequencyWeekly:
		next = nextWeekly(r, local, loc)
	case FrequencyMonthly:
		day := r.DayOfMonth
		if day == 0 {
			day = d
		}
		ty, tm := addMonths(y, m, r.interval())
		if last := daysIn(ty, tm); day > last {
			day = last
		}
		next = time.Date(ty, tm, day, hh, mm, ss, 0, loc)
	}

	if r.EndsAt != nil && next.After(*r.EndsAt) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// NextOccurrenceAfter advances from dueAt until the occurrence is strictly
// after now. Past occurrences are skipped, never returned.
func NextOccurrenceAfter(r Rule, dueAt time.Time, loc *time.Location, now time.Time) (time.Time, bool, error) {
	cur := dueAt
	for i := 0; i < maxAdvanceSteps; i++ {
		next, ok, err := NextOccurrence(r, cur, loc)
		if err != nil || !ok {
			return time.Time{}, ok, err
		}
		if next.After(now) {
			return next, true, nil
		}
		cur = next
	}
	return time.Time{}, false, ErrInvalidRule
}

// nextWeekly picks the next selected weekday later in the due date's week,
// or the first selected weekday of the week interval weeks on.
func nextWeekly(r Rule, local time.Time, loc *time.Location) time.Time {
	days := r.DaysOfWeek
	if len(days) == 0 {
		days = []time.Weekday{local.Weekday()}
	}
	selected := weekdaySet(days)
	y, m, d := local.Date()
	hh, mm, ss := local.Clock()
	wd := int(local.Weekday())

	for k := 1; wd+k <= int(time.Saturday); k++ {
		if selected[time.Weekday(wd+k)] {
			return time.Date(y, m, d+k, hh, mm, ss, 0, loc)
		}
	}
	weekStart := d - wd + 7*r.interval()
	for k := 0; k < 7; k++ {
		if selected[time.Weekday(k)] {
			return time.Date(y, m, weekStart+k, hh, mm, ss, 0, loc)
		}
	}
	return time.Date(y, m, weekStart+wd, hh, mm, ss, 0, loc)
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	t := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
