package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carecall/internal/accounts"
	"carecall/pkg/utils"
)

// PostgresRepo stores entries in minute_ledger. The accounts row is the lock
// that serializes settlement per account.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const entryColumns = `id, account_id, line_id, call_session_id, pass, billable_minutes, billable_type,
  seconds_connected, idempotency_key, cycle_start, cycle_end, subscription_item_id,
  reported_to_billing, usage_record_id, report_attempts, reported_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc rowScanner) (Entry, error) {
	var (
		e          Entry
		billType   string
		cycleStart sql.NullTime
		cycleEnd   sql.NullTime
		itemID     sql.NullString
		recordID   sql.NullString
		reportedAt sql.NullTime
	)
	if err := sc.Scan(
		&e.ID,
		&e.AccountID,
		&e.LineID,
		&e.CallSessionID,
		&e.Pass,
		&e.BillableMinutes,
		&billType,
		&e.SecondsConnected,
		&e.IdempotencyKey,
		&cycleStart,
		&cycleEnd,
		&itemID,
		&e.ReportedToBilling,
		&recordID,
		&e.ReportAttempts,
		&reportedAt,
		&e.CreatedAt,
	); err != nil {
		return Entry{}, err
	}
	e.BillableType = BillableType(billType)
	e.CycleStart = utils.TimePtr(cycleStart)
	e.CycleEnd = utils.TimePtr(cycleEnd)
	e.SubscriptionItemID = itemID.String
	e.UsageRecordID = recordID.String
	e.ReportedAt = utils.TimePtr(reportedAt)
	return e, nil
}

func queryEntries(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, query string, args ...any) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error {
	if accountID == "" {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockAccount(ctx, tx, accountID); err != nil {
			return err
		}
		return fn(ctx, postgresTx{tx: tx})
	})
}

func lockAccount(ctx context.Context, tx *sql.Tx, accountID string) error {
	// Lock the account row to serialize ledger writes per account.
	const q = `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`
	var id string
	if err := tx.QueryRowContext(ctx, q, accountID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounts.ErrNotFound
		}
		return err
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t postgresTx) EntriesForPass(ctx context.Context, callSessionID string, pass int) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM minute_ledger WHERE call_session_id = $1 AND pass = $2 ORDER BY created_at, id`
	return queryEntries(ctx, t.tx, q, callSessionID, pass)
}

func (t postgresTx) Usage(ctx context.Context, acct accounts.Account) (Usage, error) {
	return usage(ctx, t.tx, acct)
}

func (t postgresTx) Insert(ctx context.Context, e Entry) (bool, error) {
	const q = `
INSERT INTO minute_ledger (
  id, account_id, line_id, call_session_id, pass, billable_minutes, billable_type,
  seconds_connected, idempotency_key, cycle_start, cycle_end, subscription_item_id,
  reported_to_billing, report_attempts, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),false,0,$13)
ON CONFLICT (idempotency_key) DO NOTHING
`
	res, err := t.tx.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.LineID,
		e.CallSessionID,
		e.Pass,
		e.BillableMinutes,
		string(e.BillableType),
		e.SecondsConnected,
		e.IdempotencyKey,
		utils.NullTime(e.CycleStart),
		utils.NullTime(e.CycleEnd),
		e.SubscriptionItemID,
		e.CreatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func usage(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, acct accounts.Account) (Usage, error) {
	const query = `
SELECT
  COALESCE(SUM(billable_minutes) FILTER (WHERE billable_type = 'trial'), 0),
  COALESCE(SUM(billable_minutes) FILTER (WHERE billable_type = 'included' AND cycle_start = $2), 0)
FROM minute_ledger
WHERE account_id = $1
`
	var u Usage
	if err := q.QueryRowContext(ctx, query, acct.ID, acct.CycleStart).Scan(&u.TrialMinutesUsed, &u.IncludedMinutesUsed); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func (r *PostgresRepo) Usage(ctx context.Context, acct accounts.Account) (Usage, error) {
	return usage(ctx, r.db, acct)
}

func (r *PostgresRepo) EntriesForSession(ctx context.Context, callSessionID string) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM minute_ledger WHERE call_session_id = $1 ORDER BY pass, created_at, id`
	return queryEntries(ctx, r.db, q, callSessionID)
}

func (r *PostgresRepo) PendingReports(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + entryColumns + `
FROM minute_ledger
WHERE NOT reported_to_billing
  AND billable_type IN ('overage', 'payg')
  AND subscription_item_id IS NOT NULL
ORDER BY created_at
LIMIT $1`
	return queryEntries(ctx, r.db, q, limit)
}

func (r *PostgresRepo) MarkReported(ctx context.Context, id, usageRecordID string, at time.Time) (bool, error) {
	const q = `
UPDATE minute_ledger
SET reported_to_billing = true, usage_record_id = $2, reported_at = $3
WHERE id = $1 AND NOT reported_to_billing
`
	res, err := r.db.ExecContext(ctx, q, id, usageRecordID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) RecordReportFailure(ctx context.Context, id string) error {
	const q = `UPDATE minute_ledger SET report_attempts = report_attempts + 1 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// EntriesForAccount returns entries written in [from, to).
func (r *PostgresRepo) EntriesForAccount(ctx context.Context, accountID string, from, to time.Time) ([]Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM minute_ledger
WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at, id`
	return queryEntries(ctx, r.db, q, accountID, from.UTC(), to.UTC())
}
