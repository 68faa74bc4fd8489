package ledger

import (
	"context"
	"time"

	"carecall/internal/accounts"
)

// Tx is the view of the ledger inside an account lock.
type Tx interface {
	EntriesForPass(ctx context.Context, callSessionID string, pass int) ([]Entry, error)
	Usage(ctx context.Context, acct accounts.Account) (Usage, error)
	// Insert reports inserted=false when the idempotency key already exists.
	Insert(ctx context.Context, e Entry) (bool, error)
}

// Repository persists ledger entries.
//
// Entries are immutable apart from the billing-report bookkeeping columns.
type Repository interface {
	// WithAccountLock serializes ledger writes per account.
	WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error
	Usage(ctx context.Context, acct accounts.Account) (Usage, error)
	EntriesForSession(ctx context.Context, callSessionID string) ([]Entry, error)
	PendingReports(ctx context.Context, limit int) ([]Entry, error)
	// MarkReported only updates entries not yet reported.
	MarkReported(ctx context.Context, id, usageRecordID string, at time.Time) (bool, error)
	RecordReportFailure(ctx context.Context, id string) error
}
