package calls

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository useful for tests.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[string]Session)}
}

func (r *MemoryRepo) Create(_ context.Context, s Session) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		return Session{}, false, ErrInvalidArgument
	}
	if s.PlacementKey != "" {
		for _, cur := range r.sessions {
			if cur.PlacementKey == s.PlacementKey {
				return cur, false, nil
			}
		}
	}
	r.sessions[s.ID] = s
	return s, true, nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) GetByProviderCallID(_ context.Context, providerCallID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if providerCallID != "" && s.ProviderCallID == providerCallID {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (r *MemoryRepo) Transition(_ context.Context, id string, from []Status, to Status, p Patch, now time.Time) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if !slices.Contains(from, s.Status) {
		return s, false, nil
	}
	s.Status = to
	p.apply(&s)
	s.UpdatedAt = now
	r.sessions[id] = s
	return s, true, nil
}

func (r *MemoryRepo) Annotate(_ context.Context, id string, p Patch, now time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	p.apply(&s)
	s.UpdatedAt = now
	r.sessions[id] = s
	return s, nil
}

func (r *MemoryRepo) IncrementToolInvocations(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ToolInvocations++
	r.sessions[id] = s
	return nil
}

func (r *MemoryRepo) MarkSettled(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.SettledAt == nil {
		t := at.UTC()
		s.SettledAt = &t
		r.sessions[id] = s
	}
	return nil
}

func (r *MemoryRepo) ListUnsettled(_ context.Context, endedBefore time.Time, limit int) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.NeedsSettlement() && s.EndedAt != nil && s.EndedAt.Before(endedBefore) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return a.EndedAt.Compare(*b.EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) ListForAccount(_ context.Context, accountID string, from, to time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.AccountID != accountID || s.CreatedAt.Before(from) || !s.CreatedAt.Before(to) {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}
