package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// memorySummaryLimit caps how many memories feed the call prompt.
const memorySummaryLimit = 20

// PostgresDirectory reads accounts, lines and line_memories.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Account(ctx context.Context, id string) (Account, error) {
	const q = `
SELECT id, status, plan_type, in_trial, trial_minutes, included_minutes, cycle_start, cycle_end,
       COALESCE(metered_item_id, '')
FROM accounts
WHERE id = $1
`
	var a Account
	err := d.db.QueryRowContext(ctx, q, id).Scan(
		&a.ID,
		&a.Status,
		&a.PlanType,
		&a.InTrial,
		&a.TrialMinutes,
		&a.IncludedMinutes,
		&a.CycleStart,
		&a.CycleEnd,
		&a.MeteredItemID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

const lineColumns = `id, account_id, phone_number, display_name, timezone, language, opted_out,
  COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''), preferences, first_call_completed`

func scanLine(row *sql.Row) (Line, error) {
	var (
		l     Line
		prefs []byte
	)
	err := row.Scan(
		&l.ID,
		&l.AccountID,
		&l.PhoneNumber,
		&l.DisplayName,
		&l.Timezone,
		&l.Language,
		&l.OptedOut,
		&l.QuietHoursStart,
		&l.QuietHoursEnd,
		&prefs,
		&l.FirstCallCompleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &l.Preferences); err != nil {
			return Line{}, fmt.Errorf("decode preferences for %s: %w", l.ID, err)
		}
	}
	return l, nil
}

func (d *PostgresDirectory) Line(ctx context.Context, id string) (Line, error) {
	q := `SELECT ` + lineColumns + ` FROM lines WHERE id = $1`
	return scanLine(d.db.QueryRowContext(ctx, q, id))
}

func (d *PostgresDirectory) LineByPhone(ctx context.Context, phone string) (Line, error) {
	q := `SELECT ` + lineColumns + ` FROM lines WHERE phone_number = $1`
	return scanLine(d.db.QueryRowContext(ctx, q, phone))
}

func (d *PostgresDirectory) MemorySummary(ctx context.Context, lineID string) (string, error) {
	const q = `
SELECT content
FROM line_memories
WHERE line_id = $1 AND NOT is_private
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := d.db.QueryContext(ctx, q, lineID, memorySummaryLimit)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return "", err
		}
		parts = append(parts, c)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, "\n"), nil
}

func (d *PostgresDirectory) MarkFirstCallCompleted(ctx context.Context, lineID string) error {
	const q = `UPDATE lines SET first_call_completed = true WHERE id = $1`
	_, err := d.db.ExecContext(ctx, q, lineID)
	return err
}
