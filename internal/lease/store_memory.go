package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store useful for tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]Lease)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, role, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	if err := validate(role, workerID, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[role]
	if ok && !cur.Expired(now) && cur.HeldBy != workerID {
		return false, nil
	}
	acquired := now
	if ok && !cur.Expired(now) && cur.HeldBy == workerID {
		acquired = cur.AcquiredAt
	}
	s.leases[role] = Lease{
		Role:        role,
		HeldBy:      workerID,
		AcquiredAt:  acquired,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, role, workerID string, now time.Time, extend time.Duration) (bool, error) {
	if err := validate(role, workerID, extend); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[role]
	if !ok || cur.HeldBy != workerID || cur.Expired(now) {
		return false, nil
	}
	cur.HeartbeatAt = now
	cur.ExpiresAt = now.Add(extend)
	s.leases[role] = cur
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, role, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[role]
	if !ok || cur.HeldBy != workerID {
		return false, nil
	}
	delete(s.leases, role)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, role string) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[role]
	return l, ok, nil
}
