package reminders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carecall/internal/lease"
	"carecall/internal/recurrence"
	"carecall/pkg/utils"
)

// PostgresStore persists reminders in the reminders table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reminderColumns = `id, account_id, line_id, message, due_at, timezone, is_recurring, recurrence,
  is_paused, paused_at, snoozed_until, current_snooze_count, occurrence_count, status,
  retry_at, retry_count, claimed_by, claimed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (Reminder, error) {
	var (
		r         Reminder
		rec       []byte
		pausedAt  sql.NullTime
		snoozed   sql.NullTime
		retryAt   sql.NullTime
		claimedBy sql.NullString
		claimedAt sql.NullTime
	)
	err := sc.Scan(
		&r.ID,
		&r.AccountID,
		&r.LineID,
		&r.Message,
		&r.DueAt,
		&r.Timezone,
		&r.IsRecurring,
		&rec,
		&r.IsPaused,
		&pausedAt,
		&snoozed,
		&r.CurrentSnoozeCount,
		&r.OccurrenceCount,
		&r.Status,
		&retryAt,
		&r.RetryCount,
		&claimedBy,
		&claimedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return Reminder{}, err
	}
	if len(rec) > 0 {
		var rule recurrence.Rule
		if err := json.Unmarshal(rec, &rule); err != nil {
			return Reminder{}, fmt.Errorf("decode recurrence for %s: %w", r.ID, err)
		}
		r.Recurrence = &rule
	}
	r.PausedAt = utils.TimePtr(pausedAt)
	r.SnoozedUntil = utils.TimePtr(snoozed)
	r.RetryAt = utils.TimePtr(retryAt)
	r.Claim = lease.Claim{ClaimedBy: claimedBy.String, ClaimedAt: utils.TimePtr(claimedAt)}
	return r, nil
}

func encodeRecurrence(rule *recurrence.Rule) (any, error) {
	if rule == nil {
		return nil, nil
	}
	b, err := json.Marshal(rule)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *PostgresStore) Insert(ctx context.Context, r Reminder) error {
	rec, err := encodeRecurrence(r.Recurrence)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO reminders (
  id, account_id, line_id, message, due_at, timezone, is_recurring, recurrence,
  is_paused, current_snooze_count, occurrence_count, status, retry_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15)
`
	_, err = s.db.ExecContext(ctx, q,
		r.ID,
		r.AccountID,
		r.LineID,
		r.Message,
		r.DueAt.UTC(),
		r.Timezone,
		r.IsRecurring,
		rec,
		r.IsPaused,
		r.CurrentSnoozeCount,
		r.OccurrenceCount,
		string(r.Status),
		r.RetryCount,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`
	r, err := scanReminder(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reminder{}, ErrNotFound
		}
		return Reminder{}, err
	}
	return r, nil
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, workerID string, now time.Time, batchSize int, ttl time.Duration) ([]Reminder, error) {
	q := `
UPDATE reminders
SET claimed_by = $1, claimed_at = $2
WHERE id IN (
  SELECT id FROM reminders
  WHERE status = 'scheduled'
    AND NOT is_paused
    AND COALESCE(retry_at, snoozed_until, due_at) <= $2
    AND (claimed_by IS NULL OR claimed_at <= $3)
  ORDER BY COALESCE(retry_at, snoozed_until, due_at)
  LIMIT $4
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + reminderColumns

	rows, err := s.db.QueryContext(ctx, q, workerID, now.UTC(), now.Add(-ttl).UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimOne(ctx context.Context, id, workerID string, now time.Time, ttl time.Duration) (Reminder, bool, error) {
	q := `
UPDATE reminders
SET claimed_by = $2, claimed_at = $3
WHERE id = $1 AND (claimed_by IS NULL OR claimed_at <= $4)
RETURNING ` + reminderColumns

	r, err := scanReminder(s.db.QueryRowContext(ctx, q, id, workerID, now.UTC(), now.Add(-ttl).UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return Reminder{}, false, getErr
			}
			return Reminder{}, false, nil
		}
		return Reminder{}, false, fmt.Errorf("claim reminder: %w", err)
	}
	return r, true, nil
}

func (s *PostgresStore) CompleteClaim(ctx context.Context, r Reminder, workerID string) (bool, error) {
	const q = `
UPDATE reminders
SET due_at = $3,
    status = $4,
    is_paused = $5,
    paused_at = $6,
    snoozed_until = $7,
    current_snooze_count = $8,
    occurrence_count = $9,
    retry_at = $10,
    retry_count = $11,
    claimed_by = NULL,
    claimed_at = NULL,
    updated_at = now()
WHERE id = $1 AND claimed_by = $2
`
	res, err := s.db.ExecContext(ctx, q,
		r.ID,
		workerID,
		r.DueAt.UTC(),
		string(r.Status),
		r.IsPaused,
		utils.NullTime(r.PausedAt),
		utils.NullTime(r.SnoozedUntil),
		r.CurrentSnoozeCount,
		r.OccurrenceCount,
		utils.NullTime(r.RetryAt),
		r.RetryCount,
	)
	if err != nil {
		return false, fmt.Errorf("complete reminder claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkMissed(ctx context.Context, id string) error {
	const q = `UPDATE reminders SET status = 'missed', updated_at = now() WHERE id = $1 AND status = 'sent'`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("mark reminder missed: %w", err)
	}
	return nil
}
