package reminders

import (
	"context"
	"time"

	"carecall/internal/lease"
)

// Store persists reminders. Every state change goes through a claim: the
// scheduler claims due batches, lifecycle operations claim a single row.
type Store interface {
	lease.ClaimStore[Reminder]

	Get(ctx context.Context, id string) (Reminder, error)
	Insert(ctx context.Context, r Reminder) error
	// ClaimOne claims a single reminder regardless of due-ness. ok is false
	// while another live claim exists.
	ClaimOne(ctx context.Context, id, workerID string, now time.Time, ttl time.Duration) (Reminder, bool, error)
	// MarkMissed downgrades a one-off reminder whose call went unanswered.
	MarkMissed(ctx context.Context, id string) error
}
