package accounts

import "context"

// Directory is the read side of the account collaborator.
type Directory interface {
	Account(ctx context.Context, id string) (Account, error)
	Line(ctx context.Context, id string) (Line, error)
	LineByPhone(ctx context.Context, phone string) (Line, error)
	// MemorySummary is a short, non-private digest of what the line has shared before.
	MemorySummary(ctx context.Context, lineID string) (string, error)
	MarkFirstCallCompleted(ctx context.Context, lineID string) error
}
