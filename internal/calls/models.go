package calls

import (
	"errors"
	"fmt"
	"time"

	"carecall/internal/lease"
)

// Session is one phone call to or from a line.
//
// Status moves only along the transitions in CanTransition; the move into a
// terminal status happens exactly once and its caller owns settlement.
type Session struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	LineID    string    `json:"line_id" db:"line_id"`
	Direction Direction `json:"direction" db:"direction"`
	Status    Status    `json:"status" db:"status"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`
	// ScheduleID or ReminderID links the call to the item it delivers.
	ScheduleID   string `json:"schedule_id,omitempty" db:"schedule_id"`
	ReminderID   string `json:"reminder_id,omitempty" db:"reminder_id"`
	PlacementKey string `json:"placement_key,omitempty" db:"placement_key"`
	ToNumber     string `json:"to_number,omitempty" db:"to_number"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	// SettledAt is set once the connected minutes are in the ledger.
	SettledAt *time.Time `json:"settled_at,omitempty" db:"settled_at"`

	EndReason        EndReason `json:"end_reason,omitempty" db:"end_reason"`
	SecondsConnected int       `json:"seconds_connected" db:"seconds_connected"`
	ToolInvocations  int       `json:"tool_invocations" db:"tool_invocations"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (s Session) IsReminderCall() bool { return s.ReminderID != "" }

// NeedsSettlement reports whether s ended with connected time not yet in the ledger.
func (s Session) NeedsSettlement() bool {
	return s.Status.Terminal() && s.ConnectedAt != nil && s.SettledAt == nil
}

// ElapsedConnected is the connected duration at now, or the recorded one once ended.
func (s Session) ElapsedConnected(now time.Time) int {
	if s.Status.Terminal() || s.ConnectedAt == nil {
		return s.SecondsConnected
	}
	d := now.Sub(*s.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no_answer"
	StatusCanceled   Status = "canceled"
)

var transitions = map[Status][]Status{
	StatusCreated:    {StatusRinging, StatusFailed, StatusCanceled},
	StatusRinging:    {StatusInProgress, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor lists every status that may move to to.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusCreated, StatusRinging, StatusInProgress} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type EndReason string

const (
	EndHangup     EndReason = "hangup"
	EndNoAnswer   EndReason = "no_answer"
	EndBusy       EndReason = "busy"
	EndTrialCap   EndReason = "trial_cap"
	EndMinutesCap EndReason = "minutes_cap"
	EndError      EndReason = "error"
)

// DefaultEndReason is used when a terminal transition does not name one.
func DefaultEndReason(s Status) EndReason {
	switch s {
	case StatusBusy:
		return EndBusy
	case StatusNoAnswer:
		return EndNoAnswer
	case StatusFailed:
		return EndError
	default:
		return EndHangup
	}
}

// PlacementKey identifies one placement attempt of one occurrence of an item.
// A second request with the same key never produces a second carrier call.
func PlacementKey(kind lease.Kind, itemID string, occurrence time.Time, attempt int) string {
	return fmt.Sprintf("%s:%s:%d:%d", kind, itemID, occurrence.UTC().Unix(), attempt)
}

// Patch carries optional column updates applied with a transition.
type Patch struct {
	ProviderCallID   *string
	StartedAt        *time.Time
	ConnectedAt      *time.Time
	EndedAt          *time.Time
	EndReason        *EndReason
	SecondsConnected *int
}

func (p Patch) apply(s *Session) {
	if p.ProviderCallID != nil {
		s.ProviderCallID = *p.ProviderCallID
	}
	if p.StartedAt != nil && s.StartedAt == nil {
		t := *p.StartedAt
		s.StartedAt = &t
	}
	if p.ConnectedAt != nil && s.ConnectedAt == nil {
		t := *p.ConnectedAt
		s.ConnectedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
	if p.EndReason != nil {
		s.EndReason = *p.EndReason
	}
	if p.SecondsConnected != nil {
		s.SecondsConnected = *p.SecondsConnected
	}
}

var (
	ErrNotFound          = errors.New("calls: not found")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
	ErrInvalidTransition = errors.New("calls: invalid status transition")
	ErrPlacementFailed   = errors.New("calls: placement failed")
	ErrNotEligible       = errors.New("calls: line not eligible")
)
