package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestNextScheduleRun_SameDayLaterTime(t *testing.T) {
	ny := newYork(t)
	days := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	ref := time.Date(2026, 3, 2, 8, 0, 0, 0, ny) // Monday 08:00

	next, err := NextScheduleRun(days, TimeOfDay{Hour: 9}, ny, ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, ny), next)
}

func TestNextScheduleRun_StrictlyAfterReference(t *testing.T) {
	ny := newYork(t)
	days := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	ref := time.Date(2026, 3, 2, 9, 0, 0, 0, ny)

	next, err := NextScheduleRun(days, TimeOfDay{Hour: 9}, ny, ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, ny), next)
}

func TestNextScheduleRun_SingleDayWrapsToNextWeek(t *testing.T) {
	ny := newYork(t)
	ref := time.Date(2026, 3, 2, 10, 0, 0, 0, ny) // Monday, after 09:00

	next, err := NextScheduleRun([]time.Weekday{time.Monday}, TimeOfDay{Hour: 9}, ny, ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, ny), next)
}

func TestNextScheduleRun_SpringForward(t *testing.T) {
	ny := newYork(t)
	all := []time.Weekday{0, 1, 2, 3, 4, 5, 6}
	ref := time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC) // Sat 10:00 EST

	next, err := NextScheduleRun(all, TimeOfDay{Hour: 9}, ny, ref)
	require.NoError(t, err)
	// Sunday 09:00 EDT is 13:00 UTC, one hour earlier in UTC than the day before.
	assert.Equal(t, time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextScheduleRun_FallBack(t *testing.T) {
	ny := newYork(t)
	all := []time.Weekday{0, 1, 2, 3, 4, 5, 6}
	ref := time.Date(2026, 10, 31, 13, 0, 0, 0, time.UTC) // Sat 09:00 EDT

	next, err := NextScheduleRun(all, TimeOfDay{Hour: 9}, ny, ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 11, 1, 14, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextScheduleRun_PropertiesAcrossDST(t *testing.T) {
	ny := newYork(t)
	days := []time.Weekday{time.Sunday, time.Tuesday, time.Saturday}
	tod := TimeOfDay{Hour: 7, Minute: 30}

	start := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	for ref := start; ref.Before(start.Add(20 * 24 * time.Hour)); ref = ref.Add(37 * time.Minute) {
		next, err := NextScheduleRun(days, tod, ny, ref)
		require.NoError(t, err)
		require.True(t, next.After(ref), "next %s must be after %s", next, ref)

		local := next.In(ny)
		require.Equal(t, 7, local.Hour())
		require.Equal(t, 30, local.Minute())
		require.Contains(t, days, local.Weekday())
		require.LessOrEqual(t, next.Sub(ref), 8*24*time.Hour)
	}
}

func TestNextScheduleRun_Errors(t *testing.T) {
	_, err := NextScheduleRun(nil, TimeOfDay{Hour: 9}, time.UTC, time.Now())
	assert.ErrorIs(t, err, ErrNoDays)

	_, err = NextScheduleRun([]time.Weekday{time.Monday}, TimeOfDay{Hour: 25}, time.UTC, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:05")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 9, Minute: 5}, tod)
	assert.Equal(t, "09:05", tod.String())

	_, err = ParseTimeOfDay("9am")
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestNormalizeDays(t *testing.T) {
	days, err := NormalizeDays([]int{5, 1, 3, 1})
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, days)

	_, err = NormalizeDays([]int{7})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestNextOccurrence_DailyKeepsWallTimeAcrossDST(t *testing.T) {
	ny := newYork(t)
	due := time.Date(2026, 3, 7, 9, 0, 0, 0, ny)

	next, ok, err := NextOccurrence(Rule{Frequency: FrequencyDaily}, due, ny)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 8, 9, 0, 0, 0, ny), next)
	assert.Equal(t, 23*time.Hour, next.Sub(due))
}

func TestNextOccurrence_DailyInterval(t *testing.T) {
	due := time.Date(2026, 1, 30, 18, 0, 0, 0, time.UTC)
	next, ok, err := NextOccurrence(Rule{Frequency: FrequencyDaily, Interval: 3}, due, time.UTC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrence_Weekly(t *testing.T) {
	ny := newYork(t)
	r := Rule{Frequency: FrequencyWeekly, DaysOfWeek: []time.Weekday{time.Monday, time.Thursday}}

	mon := time.Date(2026, 3, 2, 10, 0, 0, 0, ny)
	next, ok, err := NextOccurrence(r, mon, ny)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 0, 0, 0, ny), next)

	next, _, err = NextOccurrence(r, next, ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 10, 0, 0, 0, ny), next)
}

func TestNextOccurrence_WeeklyEveryOtherWeek(t *testing.T) {
	r := Rule{Frequency: FrequencyWeekly, Interval: 2, DaysOfWeek: []time.Weekday{time.Monday, time.Thursday}}
	thu := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextOccurrence(r, thu, time.UTC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrence_WeeklyDefaultsToDueWeekday(t *testing.T) {
	wed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	next, _, err := NextOccurrence(Rule{Frequency: FrequencyWeekly}, wed, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrence_MonthlyClampsToShortMonth(t *testing.T) {
	r := Rule{Frequency: FrequencyMonthly, DayOfMonth: 31}

	mar := time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC)
	next, ok, err := NextOccurrence(r, mar, time.UTC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC), next)

	next, _, err = NextOccurrence(r, next, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 31, 8, 0, 0, 0, time.UTC), next, "clamping does not stick")

	jan := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	next, _, err = NextOccurrence(r, jan, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC), next)
}

func TestRule_AnchoredPinsMonthlyDay(t *testing.T) {
	ny := newYork(t)
	// 01:30 UTC on Feb 1 is still Jan 31 in New York
	due := time.Date(2027, 2, 1, 1, 30, 0, 0, time.UTC)

	r := Rule{Frequency: FrequencyMonthly}.Anchored(due, ny)
	assert.Equal(t, 31, r.DayOfMonth)

	next, _, err := NextOccurrence(r, due, ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 2, 28, 20, 30, 0, 0, ny), next)
	next, _, err = NextOccurrence(r, next, ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 3, 31, 20, 30, 0, 0, ny), next, "returns to the anchor day")

	explicit := Rule{Frequency: FrequencyMonthly, DayOfMonth: 15}.Anchored(due, ny)
	assert.Equal(t, 15, explicit.DayOfMonth)
	daily := Rule{Frequency: FrequencyDaily}.Anchored(due, ny)
	assert.Zero(t, daily.DayOfMonth)
}

func TestNextOccurrence_MonthlyAcrossYear(t *testing.T) {
	r := Rule{Frequency: FrequencyMonthly, Interval: 2, DayOfMonth: 15}
	nov := time.Date(2026, 11, 15, 8, 0, 0, 0, time.UTC)

	next, _, err := NextOccurrence(r, nov, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 1, 15, 8, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrence_EndsAt(t *testing.T) {
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ends := due.Add(12 * time.Hour)

	_, ok, err := NextOccurrence(Rule{Frequency: FrequencyDaily, EndsAt: &ends}, due, time.UTC)
	require.NoError(t, err)
	assert.False(t, ok)

	ends = due.Add(24 * time.Hour)
	_, ok, err = NextOccurrence(Rule{Frequency: FrequencyDaily, EndsAt: &ends}, due, time.UTC)
	require.NoError(t, err)
	assert.True(t, ok, "endsAt is inclusive")
}

func TestNextOccurrence_CustomRequiresInterval(t *testing.T) {
	_, _, err := NextOccurrence(Rule{Frequency: FrequencyCustom}, time.Now(), time.UTC)
	assert.ErrorIs(t, err, ErrInvalidRule)

	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	next, ok, err := NextOccurrence(Rule{Frequency: FrequencyCustom, Interval: 10}, due, time.UTC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceAfter_SkipsPastOccurrences(t *testing.T) {
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	next, ok, err := NextOccurrenceAfter(Rule{Frequency: FrequencyDaily}, due, time.UTC, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceAfter_EndedSeries(t *testing.T) {
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ends := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, ok, err := NextOccurrenceAfter(Rule{Frequency: FrequencyDaily, EndsAt: &ends}, due, time.UTC, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnoozeUntil(t *testing.T) {
	ny := newYork(t)
	now := time.Date(2026, 3, 7, 21, 10, 0, 0, ny)
	due := time.Date(2026, 3, 7, 20, 30, 0, 0, ny)

	got, err := SnoozeUntil(Snooze30m, now, due, ny)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), got)

	got, err = SnoozeUntil(SnoozeTomorrow, now, due, ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 8, 20, 30, 0, 0, ny), got)

	_, err = SnoozeUntil("5m", now, due, ny)
	assert.ErrorIs(t, err, ErrInvalidSnooze)
}
