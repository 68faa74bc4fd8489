package schedules

import (
	"errors"
	"time"

	"carecall/internal/lease"
	"carecall/internal/recurrence"
)

// Result is the outcome recorded for the most recent occurrence.
type Result string

const (
	ResultSuccess              Result = "success"
	ResultMissed               Result = "missed"
	ResultSuppressedQuietHours Result = "suppressed_quiet_hours"
	ResultFailed               Result = "failed"
)

// RetryPolicy bounds placement retries for a single occurrence.
type RetryPolicy struct {
	MaxRetries         int `json:"max_retries" db:"max_retries"`
	RetryWindowMinutes int `json:"retry_window_minutes" db:"retry_window_minutes"`
}

// DefaultRetryPolicy is applied to rules created without one.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, RetryWindowMinutes: 30}

func (p RetryPolicy) Window() time.Duration {
	return time.Duration(p.RetryWindowMinutes) * time.Minute
}

// Spacing spreads the retries evenly across the window, at least a minute apart.
func (p RetryPolicy) Spacing() time.Duration {
	if p.MaxRetries <= 0 {
		return time.Minute
	}
	s := p.Window() / time.Duration(p.MaxRetries+1)
	if s < time.Minute {
		s = time.Minute
	}
	return s
}

// Rule is a recurring outbound call for one line.
//
// Invariant: NextRunAt is the next occurrence consistent with DaysOfWeek,
// TimeOfDay and Timezone, except while a placement retry is pending, when it
// points at the retry and OccurrenceAt still names the occurrence being tried.
// Only the worker holding Claim may advance it.
type Rule struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	DaysOfWeek []time.Weekday `json:"days_of_week" db:"days_mask"`
	TimeOfDay  string         `json:"time_of_day" db:"time_of_day"`
	Timezone   string         `json:"timezone" db:"timezone"`
	Enabled    bool           `json:"enabled" db:"enabled"`

	NextRunAt    time.Time  `json:"next_run_at" db:"next_run_at"`
	OccurrenceAt time.Time  `json:"occurrence_at" db:"occurrence_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastResult   Result     `json:"last_result,omitempty" db:"last_result"`

	RetryPolicy RetryPolicy `json:"retry_policy"`
	RetryCount  int         `json:"retry_count" db:"retry_count"`

	Claim lease.Claim `json:"processing_claim"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrNotFound        = errors.New("schedules: not found")
	ErrInvalidArgument = errors.New("schedules: invalid argument")
	// ErrClaimed is returned for unclaimed writes against a claimed rule.
	ErrClaimed = errors.New("schedules: rule is being processed")
)

func (r Rule) Validate() error {
	if r.AccountID == "" || r.LineID == "" {
		return ErrInvalidArgument
	}
	if len(r.DaysOfWeek) == 0 {
		return recurrence.ErrNoDays
	}
	if _, err := recurrence.ParseTimeOfDay(r.TimeOfDay); err != nil {
		return err
	}
	if _, err := recurrence.LoadLocation(r.Timezone); err != nil {
		return err
	}
	if r.RetryPolicy.MaxRetries < 0 || r.RetryPolicy.RetryWindowMinutes < 0 {
		return ErrInvalidArgument
	}
	return nil
}

func (r Rule) Location() (*time.Location, error) {
	return recurrence.LoadLocation(r.Timezone)
}

// NextAfter returns the first occurrence strictly after ref.
func (r Rule) NextAfter(ref time.Time) (time.Time, error) {
	tod, err := recurrence.ParseTimeOfDay(r.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := r.Location()
	if err != nil {
		return time.Time{}, err
	}
	next, err := recurrence.NextScheduleRun(r.DaysOfWeek, tod, loc, ref)
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC(), nil
}

// DaysMask packs weekdays into a bitmask (bit 0 = Sunday) for storage.
func DaysMask(days []time.Weekday) int {
	m := 0
	for _, d := range days {
		m |= 1 << uint(d)
	}
	return m
}

func DaysFromMask(mask int) []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if mask&(1<<uint(d)) != 0 {
			out = append(out, d)
		}
	}
	return out
}
