package reminders

import (
	"context"
	"sort"
	"sync"
	"time"

	"carecall/internal/lease"
)

// MemoryStore is an in-memory Store useful for tests.
type MemoryStore struct {
	mu        sync.Mutex
	reminders map[string]Reminder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reminders: make(map[string]Reminder)}
}

func (s *MemoryStore) Insert(_ context.Context, r Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		return ErrInvalidArgument
	}
	s.reminders[r.ID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, workerID string, now time.Time, batchSize int, ttl time.Duration) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Reminder
	for _, r := range s.reminders {
		if r.Due(now) && !r.Claim.Valid(now, ttl) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt().Before(due[j].FireAt()) })
	if len(due) > batchSize {
		due = due[:batchSize]
	}
	for i := range due {
		due[i].Claim = lease.For(workerID, now)
		s.reminders[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) ClaimOne(_ context.Context, id, workerID string, now time.Time, ttl time.Duration) (Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return Reminder{}, false, ErrNotFound
	}
	if r.Claim.Valid(now, ttl) {
		return Reminder{}, false, nil
	}
	r.Claim = lease.For(workerID, now)
	s.reminders[id] = r
	return r, true, nil
}

func (s *MemoryStore) CompleteClaim(_ context.Context, r Reminder, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.reminders[r.ID]
	if !ok || !cur.Claim.HeldBy(workerID) {
		return false, nil
	}
	cur.DueAt = r.DueAt
	cur.Status = r.Status
	cur.IsPaused = r.IsPaused
	cur.PausedAt = r.PausedAt
	cur.SnoozedUntil = r.SnoozedUntil
	cur.CurrentSnoozeCount = r.CurrentSnoozeCount
	cur.OccurrenceCount = r.OccurrenceCount
	cur.RetryAt = r.RetryAt
	cur.RetryCount = r.RetryCount
	cur.Claim = lease.Claim{}
	cur.UpdatedAt = time.Now().UTC()
	s.reminders[r.ID] = cur
	return true, nil
}

func (s *MemoryStore) MarkMissed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == StatusSent {
		cur.Status = StatusMissed
		s.reminders[id] = cur
	}
	return nil
}
