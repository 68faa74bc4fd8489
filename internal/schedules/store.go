package schedules

import (
	"context"
	"time"

	"carecall/internal/lease"
)

// Store persists rules. Claim and completion are single atomic operations.
type Store interface {
	lease.ClaimStore[Rule]

	Get(ctx context.Context, id string) (Rule, error)
	Insert(ctx context.Context, r Rule) error
	// SetEnabled toggles a rule and re-arms its next run; it is refused while
	// another worker holds a live claim.
	SetEnabled(ctx context.Context, id string, enabled bool, nextRunAt time.Time, now time.Time, claimTTL time.Duration) error
	// RecordResult overwrites the last result after the call itself resolves.
	RecordResult(ctx context.Context, id string, result Result) error
}
