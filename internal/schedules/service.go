package schedules

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service owns rule creation and the enable switch. Advancing a rule is the
// scheduler's job and goes through CompleteClaim.
type Service struct {
	store    Store
	claimTTL time.Duration
	clock    func() time.Time
}

func NewService(store Store, claimTTL time.Duration) *Service {
	return &Service{store: store, claimTTL: claimTTL, clock: time.Now}
}

func (s *Service) Create(ctx context.Context, r Rule) (Rule, error) {
	if r.RetryPolicy == (RetryPolicy{}) {
		r.RetryPolicy = DefaultRetryPolicy
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Enabled {
		next, err := r.NextAfter(now)
		if err != nil {
			return Rule{}, err
		}
		r.NextRunAt = next
		r.OccurrenceAt = next
	}
	r.RetryCount = 0
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.store.Insert(ctx, r); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (Rule, error) {
	return s.store.Get(ctx, id)
}

// SetEnabled re-arms from now when enabling so disabled stretches never fire late.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	next := r.NextRunAt
	if enabled {
		next, err = r.NextAfter(now)
		if err != nil {
			return err
		}
	}
	return s.store.SetEnabled(ctx, id, enabled, next, now, s.claimTTL)
}

func (s *Service) RecordCallOutcome(ctx context.Context, id string, result Result) error {
	if id == "" {
		return ErrInvalidArgument
	}
	return s.store.RecordResult(ctx, id, result)
}
