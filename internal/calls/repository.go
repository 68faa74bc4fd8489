package calls

import (
	"context"
	"time"
)

// Repository persists call sessions.
type Repository interface {
	// Create inserts s unless its placement key already exists, in which case
	// the existing session is returned with created=false.
	Create(ctx context.Context, s Session) (Session, bool, error)
	Get(ctx context.Context, id string) (Session, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (Session, error)
	// Transition moves the session to to only if its current status is in from.
	// ok=false means another writer got there first.
	Transition(ctx context.Context, id string, from []Status, to Status, p Patch, now time.Time) (Session, bool, error)
	// Annotate applies p without changing status. Timestamps already set are kept.
	Annotate(ctx context.Context, id string, p Patch, now time.Time) (Session, error)
	IncrementToolInvocations(ctx context.Context, id string) error
	MarkSettled(ctx context.Context, id string, at time.Time) error
	// ListUnsettled returns sessions that need settlement and ended before
	// endedBefore, oldest first.
	ListUnsettled(ctx context.Context, endedBefore time.Time, limit int) ([]Session, error)
}
