package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carecall/pkg/utils"
)

// PostgresRepo stores sessions in call_sessions. placement_key is unique.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sessionColumns = `id, account_id, line_id, direction, status, provider_call_id, schedule_id,
  reminder_id, placement_key, to_number, created_at, started_at, connected_at, ended_at,
  end_reason, seconds_connected, tool_invocations, settled_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (Session, error) {
	var (
		s            Session
		providerID   sql.NullString
		scheduleID   sql.NullString
		reminderID   sql.NullString
		placementKey sql.NullString
		toNumber     sql.NullString
		startedAt    sql.NullTime
		connectedAt  sql.NullTime
		endedAt      sql.NullTime
		endReason    sql.NullString
		settledAt    sql.NullTime
	)
	if err := sc.Scan(
		&s.ID,
		&s.AccountID,
		&s.LineID,
		&s.Direction,
		&s.Status,
		&providerID,
		&scheduleID,
		&reminderID,
		&placementKey,
		&toNumber,
		&s.CreatedAt,
		&startedAt,
		&connectedAt,
		&endedAt,
		&endReason,
		&s.SecondsConnected,
		&s.ToolInvocations,
		&settledAt,
		&s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	s.ProviderCallID = providerID.String
	s.ScheduleID = scheduleID.String
	s.ReminderID = reminderID.String
	s.PlacementKey = placementKey.String
	s.ToNumber = toNumber.String
	s.StartedAt = utils.TimePtr(startedAt)
	s.ConnectedAt = utils.TimePtr(connectedAt)
	s.EndedAt = utils.TimePtr(endedAt)
	s.EndReason = EndReason(endReason.String)
	s.SettledAt = utils.TimePtr(settledAt)
	return s, nil
}

func (r *PostgresRepo) Create(ctx context.Context, s Session) (Session, bool, error) {
	if s.ID == "" {
		return Session{}, false, ErrInvalidArgument
	}
	const q = `
INSERT INTO call_sessions (
  id, account_id, line_id, direction, status, provider_call_id, schedule_id, reminder_id,
  placement_key, to_number, created_at, seconds_connected, tool_invocations, updated_at
) VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11,0,0,$11)
ON CONFLICT (placement_key) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		s.ID,
		s.AccountID,
		s.LineID,
		string(s.Direction),
		string(s.Status),
		s.ProviderCallID,
		s.ScheduleID,
		s.ReminderID,
		s.PlacementKey,
		s.ToNumber,
		s.CreatedAt,
	)
	if err != nil && !utils.IsUniqueViolation(err) {
		return Session{}, false, err
	}
	if err == nil {
		if n, _ := res.RowsAffected(); n == 1 {
			s.UpdatedAt = s.CreatedAt
			return s, true, nil
		}
	}

	existing, err := r.byPlacementKey(ctx, s.PlacementKey)
	if err != nil {
		return Session{}, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepo) byPlacementKey(ctx context.Context, key string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE placement_key = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (r *PostgresRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE provider_call_id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, providerCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

type patchArgs struct {
	providerCallID sql.NullString
	startedAt      sql.NullTime
	connectedAt    sql.NullTime
	endedAt        sql.NullTime
	endReason      sql.NullString
	seconds        sql.NullInt64
}

func argsFor(p Patch) patchArgs {
	var a patchArgs
	if p.ProviderCallID != nil {
		a.providerCallID = sql.NullString{String: *p.ProviderCallID, Valid: true}
	}
	a.startedAt = utils.NullTime(p.StartedAt)
	a.connectedAt = utils.NullTime(p.ConnectedAt)
	a.endedAt = utils.NullTime(p.EndedAt)
	if p.EndReason != nil {
		a.endReason = sql.NullString{String: string(*p.EndReason), Valid: true}
	}
	if p.SecondsConnected != nil {
		a.seconds = sql.NullInt64{Int64: int64(*p.SecondsConnected), Valid: true}
	}
	return a
}

func (r *PostgresRepo) Transition(ctx context.Context, id string, from []Status, to Status, p Patch, now time.Time) (Session, bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	a := argsFor(p)
	q := `
UPDATE call_sessions SET
  status = $3,
  provider_call_id = COALESCE($4, provider_call_id),
  started_at = COALESCE(started_at, $5),
  connected_at = COALESCE(connected_at, $6),
  ended_at = COALESCE($7, ended_at),
  end_reason = COALESCE($8, end_reason),
  seconds_connected = COALESCE($9, seconds_connected),
  updated_at = $10
WHERE id = $1 AND status = ANY($2)
RETURNING ` + sessionColumns
	s, err := scanSession(r.db.QueryRowContext(ctx, q,
		id, fromStrs, string(to),
		a.providerCallID, a.startedAt, a.connectedAt, a.endedAt, a.endReason, a.seconds,
		now,
	))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, err
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return cur, false, nil
}

func (r *PostgresRepo) Annotate(ctx context.Context, id string, p Patch, now time.Time) (Session, error) {
	a := argsFor(p)
	q := `
UPDATE call_sessions SET
  provider_call_id = COALESCE($2, provider_call_id),
  started_at = COALESCE(started_at, $3),
  connected_at = COALESCE(connected_at, $4),
  ended_at = COALESCE($5, ended_at),
  end_reason = COALESCE($6, end_reason),
  seconds_connected = COALESCE($7, seconds_connected),
  updated_at = $8
WHERE id = $1
RETURNING ` + sessionColumns
	s, err := scanSession(r.db.QueryRowContext(ctx, q,
		id, a.providerCallID, a.startedAt, a.connectedAt, a.endedAt, a.endReason, a.seconds, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (r *PostgresRepo) IncrementToolInvocations(ctx context.Context, id string) error {
	const q = `UPDATE call_sessions SET tool_invocations = tool_invocations + 1 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) MarkSettled(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE call_sessions SET settled_at = COALESCE(settled_at, $2) WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, at.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListUnsettled(ctx context.Context, endedBefore time.Time, limit int) ([]Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM call_sessions
WHERE settled_at IS NULL
  AND connected_at IS NOT NULL
  AND status = ANY($1)
  AND ended_at < $2
ORDER BY ended_at
LIMIT $3`
	terminal := []string{
		string(StatusCompleted), string(StatusFailed), string(StatusBusy),
		string(StatusNoAnswer), string(StatusCanceled),
	}
	rows, err := r.db.QueryContext(ctx, q, terminal, endedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListForAccount returns sessions created in [from, to).
func (r *PostgresRepo) ListForAccount(ctx context.Context, accountID string, from, to time.Time) ([]Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM call_sessions
WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q, accountID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
