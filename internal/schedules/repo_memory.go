package schedules

import (
	"context"
	"sort"
	"sync"
	"time"

	"carecall/internal/lease"
)

// MemoryStore is an in-memory Store useful for tests.
type MemoryStore struct {
	mu    sync.Mutex
	rules map[string]Rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]Rule)}
}

func (s *MemoryStore) Insert(_ context.Context, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		return ErrInvalidArgument
	}
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, workerID string, now time.Time, batchSize int, ttl time.Duration) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Rule
	for _, r := range s.rules {
		if r.Enabled && !r.NextRunAt.After(now) && !r.Claim.Valid(now, ttl) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if len(due) > batchSize {
		due = due[:batchSize]
	}
	for i := range due {
		due[i].Claim = lease.For(workerID, now)
		s.rules[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) CompleteClaim(_ context.Context, r Rule, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rules[r.ID]
	if !ok || !cur.Claim.HeldBy(workerID) {
		return false, nil
	}
	cur.NextRunAt = r.NextRunAt
	cur.OccurrenceAt = r.OccurrenceAt
	cur.LastRunAt = r.LastRunAt
	cur.LastResult = r.LastResult
	cur.RetryCount = r.RetryCount
	cur.Claim = lease.Claim{}
	cur.UpdatedAt = time.Now().UTC()
	s.rules[r.ID] = cur
	return true, nil
}

func (s *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool, nextRunAt, now time.Time, claimTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Claim.Valid(now, claimTTL) {
		return ErrClaimed
	}
	cur.Enabled = enabled
	cur.NextRunAt = nextRunAt
	cur.OccurrenceAt = nextRunAt
	cur.RetryCount = 0
	cur.UpdatedAt = now
	s.rules[id] = cur
	return nil
}

func (s *MemoryStore) RecordResult(_ context.Context, id string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	cur.LastResult = result
	s.rules[id] = cur
	return nil
}
