package audit

import "time"

// Event is an immutable, append-only operational record.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; callers never fail a call flow on audit errors.
type Event struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id,omitempty" db:"account_id"`
	CallSessionID string    `json:"call_session_id,omitempty" db:"call_session_id"`
	Type          EventType `json:"type" db:"type"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventPlacementFailed     EventType = "placement_failed"
	EventStreamFailed        EventType = "stream_failed"
	EventTrialCutoff         EventType = "trial_cutoff"
	EventBillingReportFailed EventType = "billing_report_failed"
	EventOptOut              EventType = "opt_out"
)
