package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"carecall/internal/accounts"
	"carecall/internal/audit"
	"carecall/internal/billing"
	"carecall/internal/metrics"
	"carecall/pkg/logger"
)

// Reporter sends metered usage to the billing collaborator.
type Reporter interface {
	ReportUsage(ctx context.Context, r billing.UsageReport) (string, error)
}

type Service struct {
	repo     Repository
	dir      accounts.Directory
	reporter Reporter
	audit    *audit.Service
	clock    func() time.Time
}

// NewService wires the ledger. reporter and auditSvc may be nil.
func NewService(repo Repository, dir accounts.Directory, reporter Reporter, auditSvc *audit.Service) *Service {
	return &Service{
		repo:     repo,
		dir:      dir,
		reporter: reporter,
		audit:    auditSvc,
		clock:    time.Now,
	}
}

type SettleInput struct {
	CallSessionID    string
	AccountID        string
	LineID           string
	SecondsConnected int
	// Pass distinguishes separate billable passes of one session. Zero means 1.
	Pass int
}

type SettleResult struct {
	Entries  []Entry
	Inserted bool
}

// Settle writes the ledger entries for one session pass exactly once.
// Repeating it for the same pass returns the existing entries.
func (s *Service) Settle(ctx context.Context, in SettleInput) (SettleResult, error) {
	if in.CallSessionID == "" || in.AccountID == "" || in.SecondsConnected < 0 {
		return SettleResult{}, ErrInvalidArgument
	}
	if in.Pass <= 0 {
		in.Pass = 1
	}

	acct, err := s.dir.Account(ctx, in.AccountID)
	if err != nil {
		return SettleResult{}, err
	}
	minutes := BillableMinutes(in.SecondsConnected)
	now := s.clock().UTC()

	var res SettleResult
	err = s.repo.WithAccountLock(ctx, in.AccountID, func(ctx context.Context, tx Tx) error {
		existing, err := tx.EntriesForPass(ctx, in.CallSessionID, in.Pass)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			res.Entries = existing
			return nil
		}

		usage, err := tx.Usage(ctx, acct)
		if err != nil {
			return err
		}
		for _, seg := range Split(acct, usage, minutes) {
			e := s.newEntry(acct, in, seg, now)
			inserted, err := tx.Insert(ctx, e)
			if err != nil {
				return err
			}
			if inserted {
				res.Inserted = true
				metrics.IncLedgerEntry(string(seg.Type))
			}
			res.Entries = append(res.Entries, e)
		}
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}

	logger.From(ctx).Info("ledger settled",
		"call_session_id", in.CallSessionID,
		"pass", in.Pass,
		"seconds", in.SecondsConnected,
		"minutes", minutes,
		"entries", len(res.Entries),
		"inserted", res.Inserted,
	)

	if res.Inserted {
		for _, e := range res.Entries {
			if e.Reportable() {
				s.report(ctx, e)
			}
		}
	}
	return res, nil
}

func (s *Service) newEntry(acct accounts.Account, in SettleInput, seg Segment, now time.Time) Entry {
	e := Entry{
		ID:               uuid.NewString(),
		AccountID:        acct.ID,
		LineID:           in.LineID,
		CallSessionID:    in.CallSessionID,
		Pass:             in.Pass,
		BillableMinutes:  seg.Minutes,
		BillableType:     seg.Type,
		SecondsConnected: in.SecondsConnected,
		IdempotencyKey:   IdempotencyKey(in.CallSessionID, in.Pass, seg.Type),
		CreatedAt:        now,
	}
	if !acct.CycleStart.IsZero() {
		start, end := acct.CycleStart, acct.CycleEnd
		e.CycleStart = &start
		e.CycleEnd = &end
	}
	if seg.Type.Metered() && acct.Metered() {
		e.SubscriptionItemID = acct.MeteredItemID
	}
	return e
}

// report is best-effort; a failure leaves the entry for ReportPending.
func (s *Service) report(ctx context.Context, e Entry) bool {
	if s.reporter == nil {
		return false
	}
	log := logger.From(ctx)

	id, err := s.reporter.ReportUsage(ctx, billing.UsageReport{
		SubscriptionItemID: e.SubscriptionItemID,
		Quantity:           e.BillableMinutes,
		Timestamp:          e.CreatedAt,
		IdempotencyKey:     e.IdempotencyKey,
	})
	if err != nil {
		metrics.IncBillingReport("failed")
		log.Error("billing report failed", "ledger_entry_id", e.ID, "call_session_id", e.CallSessionID, "err", err)
		if rerr := s.repo.RecordReportFailure(ctx, e.ID); rerr != nil {
			log.Warn("record report failure", "ledger_entry_id", e.ID, "err", rerr)
		}
		s.audit.Record(ctx, audit.EventBillingReportFailed, e.AccountID, e.CallSessionID, err.Error(), map[string]any{
			"ledger_entry_id": e.ID,
			"minutes":         e.BillableMinutes,
			"billable_type":   string(e.BillableType),
		})
		return false
	}

	ok, err := s.repo.MarkReported(ctx, e.ID, id, s.clock().UTC())
	if err != nil {
		log.Warn("mark reported", "ledger_entry_id", e.ID, "err", err)
		return false
	}
	if ok {
		metrics.IncBillingReport("reported")
	}
	return ok
}

// ReportPending retries unreported metered entries and returns how many were reported.
func (s *Service) ReportPending(ctx context.Context, limit int) (int, error) {
	if s.reporter == nil {
		return 0, nil
	}
	pending, err := s.repo.PendingReports(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if s.report(ctx, e) {
			n++
		}
	}
	return n, nil
}

// Allowance is computed from ledger-derived usage.
func (s *Service) Allowance(ctx context.Context, acct accounts.Account) (Allowance, error) {
	if acct.ID == "" {
		return Allowance{}, ErrInvalidArgument
	}
	u, err := s.repo.Usage(ctx, acct)
	if err != nil {
		return Allowance{}, err
	}
	return AllowanceFor(acct, u), nil
}

// AllowanceByID loads the account first.
func (s *Service) AllowanceByID(ctx context.Context, accountID string) (accounts.Account, Allowance, error) {
	acct, err := s.dir.Account(ctx, accountID)
	if err != nil {
		return accounts.Account{}, Allowance{}, err
	}
	a, err := s.Allowance(ctx, acct)
	return acct, a, err
}
