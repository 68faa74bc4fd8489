package reminders

import (
	"errors"
	"time"

	"carecall/internal/lease"
	"carecall/internal/recurrence"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusMissed    Status = "missed"
	StatusCanceled  Status = "canceled"
)

// Reminder is a one-off or recurring message delivered by phone call.
// It is advanced to its next occurrence, or terminated, only by whoever holds Claim.
type Reminder struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	Message  string    `json:"message" db:"message"`
	DueAt    time.Time `json:"due_at" db:"due_at"`
	Timezone string    `json:"timezone" db:"timezone"`

	IsRecurring bool             `json:"is_recurring" db:"is_recurring"`
	Recurrence  *recurrence.Rule `json:"recurrence,omitempty" db:"recurrence"`

	IsPaused           bool       `json:"is_paused" db:"is_paused"`
	PausedAt           *time.Time `json:"paused_at,omitempty" db:"paused_at"`
	SnoozedUntil       *time.Time `json:"snoozed_until,omitempty" db:"snoozed_until"`
	CurrentSnoozeCount int        `json:"current_snooze_count" db:"current_snooze_count"`
	OccurrenceCount    int        `json:"occurrence_count" db:"occurrence_count"`
	Status             Status     `json:"status" db:"status"`

	// RetryAt and RetryCount track placement retries for the current occurrence.
	RetryAt    *time.Time `json:"retry_at,omitempty" db:"retry_at"`
	RetryCount int        `json:"retry_count" db:"retry_count"`

	Claim lease.Claim `json:"processing_claim"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrNotFound        = errors.New("reminders: not found")
	ErrInvalidArgument = errors.New("reminders: invalid argument")
	ErrBusy            = errors.New("reminders: reminder is being processed")
	ErrSnoozeLimit     = errors.New("reminders: snooze limit reached")
	ErrNotScheduled    = errors.New("reminders: reminder is not scheduled")
	ErrPaused          = errors.New("reminders: reminder is paused")
	ErrNotPaused       = errors.New("reminders: reminder is not paused")
)

// FireAt is the instant the reminder is next due to be called.
func (r Reminder) FireAt() time.Time {
	if r.RetryAt != nil {
		return *r.RetryAt
	}
	return r.OccurrenceAt()
}

// OccurrenceAt is the current occurrence's fire instant ignoring retries.
func (r Reminder) OccurrenceAt() time.Time {
	if r.SnoozedUntil != nil {
		return *r.SnoozedUntil
	}
	return r.DueAt
}

func (r Reminder) Terminal() bool {
	return r.Status != StatusScheduled
}

// Due reports whether the reminder may be delivered at now.
func (r Reminder) Due(now time.Time) bool {
	return r.Status == StatusScheduled && !r.IsPaused && !r.FireAt().After(now)
}

func (r Reminder) Location() (*time.Location, error) {
	return recurrence.LoadLocation(r.Timezone)
}

func (r Reminder) Validate() error {
	if r.AccountID == "" || r.LineID == "" || r.Message == "" || r.DueAt.IsZero() {
		return ErrInvalidArgument
	}
	if _, err := r.Location(); err != nil {
		return err
	}
	if r.IsRecurring {
		if r.Recurrence == nil {
			return ErrInvalidArgument
		}
		if err := r.Recurrence.Validate(); err != nil {
			return err
		}
	}
	if r.CurrentSnoozeCount > recurrence.MaxSnoozes {
		return ErrSnoozeLimit
	}
	return nil
}

// Advance moves r past its current occurrence. delivered distinguishes a
// placed call (sent) from an occurrence that was not delivered (missed) when
// the series ends. Past-due occurrences are never re-armed.
func Advance(r Reminder, now time.Time, delivered bool) (Reminder, error) {
	r = clearOccurrenceState(r)
	if delivered {
		r.OccurrenceCount++
	}

	if r.IsRecurring && r.Recurrence != nil {
		loc, err := r.Location()
		if err != nil {
			return r, err
		}
		next, ok, err := recurrence.NextOccurrenceAfter(*r.Recurrence, r.DueAt, loc, now)
		if err != nil {
			return r, err
		}
		if ok {
			r.DueAt = next.UTC()
			r.Status = StatusScheduled
			return r, nil
		}
	}
	if delivered {
		r.Status = StatusSent
	} else {
		r.Status = StatusMissed
	}
	return r, nil
}

func clearOccurrenceState(r Reminder) Reminder {
	r.SnoozedUntil = nil
	r.CurrentSnoozeCount = 0
	r.RetryAt = nil
	r.RetryCount = 0
	return r
}
