package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_events. The table has no update path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, account_id, call_session_id, type, message, metadata, created_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NULLIF($6, '')::jsonb, $7)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.CallSessionID,
		string(e.Type),
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
