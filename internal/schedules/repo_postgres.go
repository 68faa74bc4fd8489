package schedules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carecall/internal/lease"
	"carecall/pkg/utils"
)

// PostgresStore persists rules in schedule_rules. The claim lives on the row
// (claimed_by, claimed_at); there is no separate lock table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, account_id, line_id, days_mask, time_of_day, timezone, enabled,
  next_run_at, occurrence_at, last_run_at, last_result, max_retries, retry_window_minutes,
  retry_count, claimed_by, claimed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(sc rowScanner) (Rule, error) {
	var (
		r          Rule
		mask       int
		lastRun    sql.NullTime
		lastResult sql.NullString
		claimedBy  sql.NullString
		claimedAt  sql.NullTime
	)
	err := sc.Scan(
		&r.ID,
		&r.AccountID,
		&r.LineID,
		&mask,
		&r.TimeOfDay,
		&r.Timezone,
		&r.Enabled,
		&r.NextRunAt,
		&r.OccurrenceAt,
		&lastRun,
		&lastResult,
		&r.RetryPolicy.MaxRetries,
		&r.RetryPolicy.RetryWindowMinutes,
		&r.RetryCount,
		&claimedBy,
		&claimedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return Rule{}, err
	}
	r.DaysOfWeek = DaysFromMask(mask)
	r.LastRunAt = utils.TimePtr(lastRun)
	r.LastResult = Result(lastResult.String)
	r.Claim = lease.Claim{ClaimedBy: claimedBy.String, ClaimedAt: utils.TimePtr(claimedAt)}
	return r, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r Rule) error {
	const q = `
INSERT INTO schedule_rules (
  id, account_id, line_id, days_mask, time_of_day, timezone, enabled,
  next_run_at, occurrence_at, max_retries, retry_window_minutes, retry_count,
  created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`
	_, err := s.db.ExecContext(ctx, q,
		r.ID,
		r.AccountID,
		r.LineID,
		DaysMask(r.DaysOfWeek),
		r.TimeOfDay,
		r.Timezone,
		r.Enabled,
		r.NextRunAt.UTC(),
		r.OccurrenceAt.UTC(),
		r.RetryPolicy.MaxRetries,
		r.RetryPolicy.RetryWindowMinutes,
		r.RetryCount,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM schedule_rules WHERE id = $1`
	r, err := scanRule(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, ErrNotFound
		}
		return Rule{}, err
	}
	return r, nil
}

// ClaimBatch marks up to batchSize due rules as claimed by workerID in one
// statement. Rows locked by a concurrent claimer are skipped, not waited on.
func (s *PostgresStore) ClaimBatch(ctx context.Context, workerID string, now time.Time, batchSize int, ttl time.Duration) ([]Rule, error) {
	q := `
UPDATE schedule_rules
SET claimed_by = $1, claimed_at = $2
WHERE id IN (
  SELECT id FROM schedule_rules
  WHERE enabled
    AND next_run_at <= $2
    AND (claimed_by IS NULL OR claimed_at <= $3)
  ORDER BY next_run_at
  LIMIT $4
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + ruleColumns

	rows, err := s.db.QueryContext(ctx, q, workerID, now.UTC(), now.Add(-ttl).UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim schedules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompleteClaim(ctx context.Context, r Rule, workerID string) (bool, error) {
	const q = `
UPDATE schedule_rules
SET next_run_at = $3,
    occurrence_at = $4,
    last_run_at = $5,
    last_result = NULLIF($6, ''),
    retry_count = $7,
    claimed_by = NULL,
    claimed_at = NULL,
    updated_at = now()
WHERE id = $1 AND claimed_by = $2
`
	res, err := s.db.ExecContext(ctx, q,
		r.ID,
		workerID,
		r.NextRunAt.UTC(),
		r.OccurrenceAt.UTC(),
		utils.NullTime(r.LastRunAt),
		string(r.LastResult),
		r.RetryCount,
	)
	if err != nil {
		return false, fmt.Errorf("complete schedule claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool, nextRunAt, now time.Time, claimTTL time.Duration) error {
	const q = `
UPDATE schedule_rules
SET enabled = $2, next_run_at = $3, occurrence_at = $3, retry_count = 0, updated_at = $4
WHERE id = $1 AND (claimed_by IS NULL OR claimed_at <= $5)
`
	res, err := s.db.ExecContext(ctx, q, id, enabled, nextRunAt.UTC(), now.UTC(), now.Add(-claimTTL).UTC())
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrClaimed
	}
	return nil
}

func (s *PostgresStore) RecordResult(ctx context.Context, id string, result Result) error {
	const q = `UPDATE schedule_rules SET last_result = $2, updated_at = now() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, string(result))
	if err != nil {
		return fmt.Errorf("record schedule result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
