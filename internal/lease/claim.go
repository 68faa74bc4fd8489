package lease

import (
	"context"
	"time"
)

// Kind names a class of claimable due items.
type Kind string

const (
	KindSchedule Kind = "schedule"
	KindReminder Kind = "reminder"
)

// Claim is the processing claim stored on an owned row.
// It is valid only while now < ClaimedAt + ttl.
type Claim struct {
	ClaimedBy string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
}

// Valid reports whether the claim still excludes other workers at now.
func (c Claim) Valid(now time.Time, ttl time.Duration) bool {
	if c.ClaimedBy == "" || c.ClaimedAt == nil {
		return false
	}
	return now.Before(c.ClaimedAt.Add(ttl))
}

// HeldBy reports whether workerID is the recorded claimant.
func (c Claim) HeldBy(workerID string) bool {
	return c.ClaimedBy != "" && c.ClaimedBy == workerID
}

// For returns a fresh claim for workerID at now.
func For(workerID string, now time.Time) Claim {
	t := now.UTC()
	return Claim{ClaimedBy: workerID, ClaimedAt: &t}
}

// ClaimStore gives one worker exclusive, time-bounded rights over due items.
// ClaimBatch never blocks on rows held by others; it returns what it could claim.
// CompleteClaim writes item's new state and clears the claim, succeeding only
// while workerID still holds it.
type ClaimStore[T any] interface {
	ClaimBatch(ctx context.Context, workerID string, now time.Time, batchSize int, ttl time.Duration) ([]T, error)
	CompleteClaim(ctx context.Context, item T, workerID string) (bool, error)
}
