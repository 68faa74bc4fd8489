package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Lease is the singleton-per-role record of who may run a role.
// At most one non-expired holder exists at any instant.
type Lease struct {
	Role        string    `json:"role" db:"role"`
	HeldBy      string    `json:"held_by" db:"held_by"`
	AcquiredAt  time.Time `json:"acquired_at" db:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at" db:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the lease no longer protects its holder at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Store is the durable side of the lease. Every method is a single atomic
// conditional write; contention is reported as false, never as an error.
type Store interface {
	TryAcquire(ctx context.Context, role, workerID string, now time.Time, ttl time.Duration) (bool, error)
	Heartbeat(ctx context.Context, role, workerID string, now time.Time, extend time.Duration) (bool, error)
	Release(ctx context.Context, role, workerID string) (bool, error)
	Get(ctx context.Context, role string) (Lease, bool, error)
}

var ErrInvalidArgument = errors.New("lease: invalid argument")

func validate(role, workerID string, d time.Duration) error {
	if role == "" || workerID == "" || d <= 0 {
		return ErrInvalidArgument
	}
	return nil
}

// Manager binds one worker to one role.
type Manager struct {
	store    Store
	role     string
	workerID string
	ttl      time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	held bool
}

func NewManager(store Store, role, workerID string, ttl time.Duration) *Manager {
	return &Manager{store: store, role: role, workerID: workerID, ttl: ttl, clock: time.Now}
}

func (m *Manager) Role() string       { return m.role }
func (m *Manager) WorkerID() string   { return m.workerID }
func (m *Manager) TTL() time.Duration { return m.ttl }

// Held reports the last known state; it is not a substitute for Heartbeat.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (m *Manager) Acquire(ctx context.Context) (bool, error) {
	ok, err := m.store.TryAcquire(ctx, m.role, m.workerID, m.clock().UTC(), m.ttl)
	if err != nil {
		return false, err
	}
	m.setHeld(ok)
	return ok, nil
}

func (m *Manager) Heartbeat(ctx context.Context) (bool, error) {
	ok, err := m.store.Heartbeat(ctx, m.role, m.workerID, m.clock().UTC(), m.ttl)
	if err != nil {
		return false, err
	}
	m.setHeld(ok)
	return ok, nil
}

func (m *Manager) Release(ctx context.Context) (bool, error) {
	ok, err := m.store.Release(ctx, m.role, m.workerID)
	m.setHeld(false)
	return ok, err
}

// EnsureHeld extends a held lease or tries to take a free one.
// A failed heartbeat means the lease was lost; the caller must not claim
// anything this tick, so EnsureHeld does not immediately re-acquire.
func (m *Manager) EnsureHeld(ctx context.Context) (bool, error) {
	if m.Held() {
		ok, err := m.Heartbeat(ctx)
		if err != nil {
			m.setHeld(false)
			return false, err
		}
		return ok, nil
	}
	return m.Acquire(ctx)
}

func (m *Manager) setHeld(v bool) {
	m.mu.Lock()
	m.held = v
	m.mu.Unlock()
}
