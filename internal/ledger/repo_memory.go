package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"carecall/internal/accounts"
)

// MemoryRepo is an in-memory Repository useful for tests.
type MemoryRepo struct {
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{locks: make(map[string]*sync.Mutex)}
}

func (r *MemoryRepo) accountLock(accountID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	return l
}

func (r *MemoryRepo) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error {
	if accountID == "" {
		return ErrInvalidArgument
	}
	l := r.accountLock(accountID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx, memoryTx{r: r})
}

type memoryTx struct{ r *MemoryRepo }

func (t memoryTx) EntriesForPass(_ context.Context, callSessionID string, pass int) ([]Entry, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var out []Entry
	for _, e := range t.r.entries {
		if e.CallSessionID == callSessionID && e.Pass == pass {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t memoryTx) Usage(ctx context.Context, acct accounts.Account) (Usage, error) {
	return t.r.Usage(ctx, acct)
}

func (t memoryTx) Insert(_ context.Context, e Entry) (bool, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	for _, existing := range t.r.entries {
		if existing.IdempotencyKey == e.IdempotencyKey {
			return false, nil
		}
	}
	t.r.entries = append(t.r.entries, e)
	return true, nil
}

func (r *MemoryRepo) Usage(_ context.Context, acct accounts.Account) (Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var u Usage
	for _, e := range r.entries {
		if e.AccountID != acct.ID {
			continue
		}
		switch e.BillableType {
		case TypeTrial:
			u.TrialMinutesUsed += e.BillableMinutes
		case TypeIncluded:
			if e.CycleStart != nil && e.CycleStart.Equal(acct.CycleStart) {
				u.IncludedMinutesUsed += e.BillableMinutes
			}
		}
	}
	return u, nil
}

func (r *MemoryRepo) EntriesForSession(_ context.Context, callSessionID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.CallSessionID == callSessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepo) PendingReports(_ context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Reportable() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) MarkReported(_ context.Context, id, usageRecordID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID != id {
			continue
		}
		if r.entries[i].ReportedToBilling {
			return false, nil
		}
		r.entries[i].ReportedToBilling = true
		r.entries[i].UsageRecordID = usageRecordID
		r.entries[i].ReportedAt = &at
		return true, nil
	}
	return false, ErrNotFound
}

func (r *MemoryRepo) RecordReportFailure(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID == id {
			r.entries[i].ReportAttempts++
			return nil
		}
	}
	return ErrNotFound
}

// Entries returns a copy of every entry.
func (r *MemoryRepo) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *MemoryRepo) EntriesForAccount(_ context.Context, accountID string, from, to time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.AccountID == accountID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
