package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps leases in scheduler_leases, one row per role.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) TryAcquire(ctx context.Context, role, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	if err := validate(role, workerID, ttl); err != nil {
		return false, err
	}
	// The conflict branch only fires when the existing row is expired or
	// already ours; otherwise no row is returned.
	const q = `
INSERT INTO scheduler_leases (role, held_by, acquired_at, heartbeat_at, expires_at)
VALUES ($1, $2, $3, $3, $4)
ON CONFLICT (role) DO UPDATE SET
  held_by = EXCLUDED.held_by,
  acquired_at = CASE
    WHEN scheduler_leases.held_by = EXCLUDED.held_by AND scheduler_leases.expires_at > EXCLUDED.heartbeat_at
    THEN scheduler_leases.acquired_at
    ELSE EXCLUDED.acquired_at
  END,
  heartbeat_at = EXCLUDED.heartbeat_at,
  expires_at = EXCLUDED.expires_at
WHERE scheduler_leases.expires_at <= EXCLUDED.heartbeat_at
   OR scheduler_leases.held_by = EXCLUDED.held_by
RETURNING held_by
`
	var holder string
	err := s.db.QueryRowContext(ctx, q, role, workerID, now.UTC(), now.Add(ttl).UTC()).Scan(&holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return holder == workerID, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, role, workerID string, now time.Time, extend time.Duration) (bool, error) {
	if err := validate(role, workerID, extend); err != nil {
		return false, err
	}
	const q = `
UPDATE scheduler_leases
SET heartbeat_at = $3, expires_at = $4
WHERE role = $1 AND held_by = $2 AND expires_at > $3
`
	res, err := s.db.ExecContext(ctx, q, role, workerID, now.UTC(), now.Add(extend).UTC())
	if err != nil {
		return false, fmt.Errorf("lease heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, role, workerID string) (bool, error) {
	const q = `DELETE FROM scheduler_leases WHERE role = $1 AND held_by = $2`
	res, err := s.db.ExecContext(ctx, q, role, workerID)
	if err != nil {
		return false, fmt.Errorf("lease release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, role string) (Lease, bool, error) {
	const q = `
SELECT role, held_by, acquired_at, heartbeat_at, expires_at
FROM scheduler_leases
WHERE role = $1
`
	var l Lease
	err := s.db.QueryRowContext(ctx, q, role).Scan(&l.Role, &l.HeldBy, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	return l, true, nil
}
