package ledger

import (
	"errors"
	"fmt"
	"time"

	"carecall/internal/accounts"
)

// BillableType classifies the minutes of one ledger entry.
type BillableType string

const (
	TypeTrial    BillableType = "trial"
	TypeIncluded BillableType = "included"
	TypeOverage  BillableType = "overage"
	TypePayg     BillableType = "payg"
)

// Metered reports whether entries of this type are reported to billing.
func (t BillableType) Metered() bool {
	return t == TypeOverage || t == TypePayg
}

// Entry is one immutable minute-ledger row. A call session pass produces at
// most one entry per billable type.
type Entry struct {
	ID               string       `json:"id" db:"id"`
	AccountID        string       `json:"account_id" db:"account_id"`
	LineID           string       `json:"line_id" db:"line_id"`
	CallSessionID    string       `json:"call_session_id" db:"call_session_id"`
	Pass             int          `json:"pass" db:"pass"`
	BillableMinutes  int          `json:"billable_minutes" db:"billable_minutes"`
	BillableType     BillableType `json:"billable_type" db:"billable_type"`
	SecondsConnected int          `json:"seconds_connected" db:"seconds_connected"`
	IdempotencyKey   string       `json:"idempotency_key" db:"idempotency_key"`

	CycleStart         *time.Time `json:"cycle_start,omitempty" db:"cycle_start"`
	CycleEnd           *time.Time `json:"cycle_end,omitempty" db:"cycle_end"`
	SubscriptionItemID string     `json:"subscription_item_id,omitempty" db:"subscription_item_id"`

	ReportedToBilling bool       `json:"reported_to_billing" db:"reported_to_billing"`
	UsageRecordID     string     `json:"usage_record_id,omitempty" db:"usage_record_id"`
	ReportAttempts    int        `json:"report_attempts" db:"report_attempts"`
	ReportedAt        *time.Time `json:"reported_at,omitempty" db:"reported_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Reportable reports whether the entry still has to be sent to billing.
func (e Entry) Reportable() bool {
	return e.BillableType.Metered() && e.SubscriptionItemID != "" && !e.ReportedToBilling
}

var (
	ErrInvalidArgument = errors.New("ledger: invalid argument")
	ErrNotFound        = errors.New("ledger: not found")
)

// BillableMinutes rounds connected seconds up to whole minutes.
func BillableMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

func IdempotencyKey(callSessionID string, pass int, t BillableType) string {
	return fmt.Sprintf("%s:%d:%s", callSessionID, pass, t)
}

// Usage is derived from the ledger: trial minutes over the account lifetime
// and included minutes inside the current cycle.
type Usage struct {
	TrialMinutesUsed    int
	IncludedMinutesUsed int
}

// Segment is one slice of a session's billable minutes.
type Segment struct {
	Type    BillableType
	Minutes int
}

// Split divides minutes at the account's policy boundaries: trial first
// (while in trial), then the included allotment (subscriptions), then
// overage for subscriptions or payg otherwise.
func Split(acct accounts.Account, usage Usage, minutes int) []Segment {
	var out []Segment
	remaining := minutes

	if remaining > 0 && acct.InTrial {
		if n := min(remaining, max(0, acct.TrialMinutes-usage.TrialMinutesUsed)); n > 0 {
			out = append(out, Segment{Type: TypeTrial, Minutes: n})
			remaining -= n
		}
	}
	if remaining > 0 && acct.HasSubscription() {
		if n := min(remaining, max(0, includedAllotment(acct)-usage.IncludedMinutesUsed)); n > 0 {
			out = append(out, Segment{Type: TypeIncluded, Minutes: n})
			remaining -= n
		}
	}
	if remaining > 0 {
		t := TypePayg
		if acct.HasSubscription() {
			t = TypeOverage
		}
		out = append(out, Segment{Type: t, Minutes: remaining})
	}
	return out
}

// includedAllotment is zero until the subscription's billing cycle is known.
// Included usage is counted per cycle, so without one it could never run out.
func includedAllotment(acct accounts.Account) int {
	if !acct.HasSubscription() || acct.CycleStart.IsZero() {
		return 0
	}
	return acct.IncludedMinutes
}

// Allowance is what an account may still use before metered billing applies.
type Allowance struct {
	TrialRemaining    int
	IncludedRemaining int
	Metered           bool
	CanCall           bool
}

// Remaining is the unmetered budget in minutes.
func (a Allowance) Remaining() int {
	return a.TrialRemaining + a.IncludedRemaining
}

func AllowanceFor(acct accounts.Account, usage Usage) Allowance {
	a := Allowance{Metered: acct.Metered()}
	if acct.InTrial {
		a.TrialRemaining = max(0, acct.TrialMinutes-usage.TrialMinutesUsed)
	}
	if acct.HasSubscription() {
		a.IncludedRemaining = max(0, includedAllotment(acct)-usage.IncludedMinutesUsed)
	}
	a.CanCall = acct.Active() && (a.Metered || a.Remaining() > 0)
	return a
}
