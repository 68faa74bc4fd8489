package accounts

import (
	"errors"
	"time"

	"carecall/internal/recurrence"
)

// PlanType decides how minutes past the trial are billed.
type PlanType string

const (
	PlanSubscription PlanType = "subscription"
	PlanPayg         PlanType = "payg"
	PlanNone         PlanType = "none"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Account is the billing owner of one or more lines. It is maintained by the
// account service; this package only reads it.
type Account struct {
	ID       string        `json:"id" db:"id"`
	Status   AccountStatus `json:"status" db:"status"`
	PlanType PlanType      `json:"plan_type" db:"plan_type"`

	InTrial      bool `json:"in_trial" db:"in_trial"`
	TrialMinutes int  `json:"trial_minutes" db:"trial_minutes"`

	// IncludedMinutes is the subscription allotment per billing cycle.
	IncludedMinutes int       `json:"included_minutes" db:"included_minutes"`
	CycleStart      time.Time `json:"cycle_start" db:"cycle_start"`
	CycleEnd        time.Time `json:"cycle_end" db:"cycle_end"`

	// MeteredItemID is the billing collaborator's subscription item for metered usage.
	MeteredItemID string `json:"metered_item_id,omitempty" db:"metered_item_id"`
}

func (a Account) HasSubscription() bool {
	return a.PlanType == PlanSubscription
}

// Metered reports whether minutes beyond allowances can be billed.
func (a Account) Metered() bool {
	return (a.PlanType == PlanSubscription || a.PlanType == PlanPayg) && a.MeteredItemID != ""
}

func (a Account) Active() bool {
	return a.Status == "" || a.Status == AccountActive
}

// Line is one care recipient's phone line.
type Line struct {
	ID          string `json:"id" db:"id"`
	AccountID   string `json:"account_id" db:"account_id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	DisplayName string `json:"display_name" db:"display_name"`
	Timezone    string `json:"timezone" db:"timezone"`
	Language    string `json:"language" db:"language"`

	OptedOut bool `json:"opted_out" db:"opted_out"`

	// Quiet hours are local "HH:MM" bounds; the window may wrap midnight.
	QuietHoursStart string `json:"quiet_hours_start,omitempty" db:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty" db:"quiet_hours_end"`

	Preferences        map[string]string `json:"preferences,omitempty" db:"preferences"`
	FirstCallCompleted bool              `json:"first_call_completed" db:"first_call_completed"`
}

var (
	ErrNotFound = errors.New("accounts: not found")
)

// InQuietHours reports whether at falls inside the line's local quiet window.
func (l Line) InQuietHours(at time.Time) (bool, error) {
	if l.QuietHoursStart == "" || l.QuietHoursEnd == "" {
		return false, nil
	}
	start, err := recurrence.ParseTimeOfDay(l.QuietHoursStart)
	if err != nil {
		return false, err
	}
	end, err := recurrence.ParseTimeOfDay(l.QuietHoursEnd)
	if err != nil {
		return false, err
	}
	loc, err := recurrence.LoadLocation(l.Timezone)
	if err != nil {
		return false, err
	}

	local := at.In(loc)
	m := local.Hour()*60 + local.Minute()
	s := start.Hour*60 + start.Minute
	e := end.Hour*60 + end.Minute

	switch {
	case s == e:
		return false, nil
	case s < e:
		return m >= s && m < e, nil
	default:
		return m >= s || m < e, nil
	}
}
