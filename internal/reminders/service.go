package reminders

import (
	"context"
	"time"

	"carecall/internal/recurrence"

	"github.com/google/uuid"
)

// Service applies user-driven lifecycle operations. Each operation claims the
// row, mutates it, and completes the claim, so it never races the scheduler.
type Service struct {
	store    Store
	workerID string
	claimTTL time.Duration
	clock    func() time.Time
}

func NewService(store Store, workerID string, claimTTL time.Duration) *Service {
	return &Service{store: store, workerID: workerID, claimTTL: claimTTL, clock: time.Now}
}

func (s *Service) Create(ctx context.Context, r Reminder) (Reminder, error) {
	if err := r.Validate(); err != nil {
		return Reminder{}, err
	}
	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.DueAt = r.DueAt.UTC()
	if r.Recurrence != nil {
		loc, err := r.Location()
		if err != nil {
			return Reminder{}, err
		}
		rule := r.Recurrence.Anchored(r.DueAt, loc)
		r.Recurrence = &rule
	}
	r.Status = StatusScheduled
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.store.Insert(ctx, r); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (Reminder, error) {
	return s.store.Get(ctx, id)
}

// Skip advances to the next occurrence without marking the current one delivered.
func (s *Service) Skip(ctx context.Context, id string) (Reminder, error) {
	return s.mutate(ctx, id, func(r Reminder, now time.Time) (Reminder, error) {
		if r.Terminal() {
			return r, ErrNotScheduled
		}
		ref := now
		if r.DueAt.After(ref) {
			ref = r.DueAt
		}
		return Advance(r, ref, false)
	})
}

func (s *Service) Pause(ctx context.Context, id string) (Reminder, error) {
	return s.mutate(ctx, id, func(r Reminder, now time.Time) (Reminder, error) {
		if r.Terminal() {
			return r, ErrNotScheduled
		}
		if r.IsPaused {
			return r, nil
		}
		r.IsPaused = true
		r.PausedAt = &now
		return r, nil
	})
}

// Resume recomputes the next occurrence from now; past-due occurrences are
// dropped rather than fired late.
func (s *Service) Resume(ctx context.Context, id string) (Reminder, error) {
	return s.mutate(ctx, id, func(r Reminder, now time.Time) (Reminder, error) {
		if r.Terminal() {
			return r, ErrNotScheduled
		}
		if !r.IsPaused {
			return r, ErrNotPaused
		}
		r.IsPaused = false
		r.PausedAt = nil
		if r.FireAt().After(now) {
			return r, nil
		}
		return Advance(r, now, false)
	})
}

// Snooze overrides the next fire instant without consuming a recurrence step.
func (s *Service) Snooze(ctx context.Context, id string, opt recurrence.SnoozeOption) (Reminder, error) {
	return s.mutate(ctx, id, func(r Reminder, now time.Time) (Reminder, error) {
		if r.Terminal() {
			return r, ErrNotScheduled
		}
		if r.IsPaused {
			return r, ErrPaused
		}
		if r.CurrentSnoozeCount >= recurrence.MaxSnoozes {
			return r, ErrSnoozeLimit
		}
		loc, err := r.Location()
		if err != nil {
			return r, err
		}
		until, err := recurrence.SnoozeUntil(opt, now, r.DueAt, loc)
		if err != nil {
			return r, err
		}
		until = until.UTC()
		r.SnoozedUntil = &until
		r.CurrentSnoozeCount++
		r.RetryAt = nil
		r.RetryCount = 0
		return r, nil
	})
}

func (s *Service) Cancel(ctx context.Context, id string) (Reminder, error) {
	return s.mutate(ctx, id, func(r Reminder, _ time.Time) (Reminder, error) {
		if r.Terminal() {
			return r, ErrNotScheduled
		}
		r.Status = StatusCanceled
		return clearOccurrenceState(r), nil
	})
}

// RecordUnanswered marks a delivered one-off reminder as missed once its call
// ends without an answer.
func (s *Service) RecordUnanswered(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidArgument
	}
	return s.store.MarkMissed(ctx, id)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(Reminder, time.Time) (Reminder, error)) (Reminder, error) {
	if id == "" {
		return Reminder{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	r, ok, err := s.store.ClaimOne(ctx, id, s.workerID, now, s.claimTTL)
	if err != nil {
		return Reminder{}, err
	}
	if !ok {
		return Reminder{}, ErrBusy
	}

	next, opErr := fn(r, now)
	if opErr != nil {
		// release unchanged
		next = r
	}
	done, err := s.store.CompleteClaim(ctx, next, s.workerID)
	if err != nil {
		return Reminder{}, err
	}
	if opErr != nil {
		return Reminder{}, opErr
	}
	if !done {
		return Reminder{}, ErrBusy
	}
	return next, nil
}
