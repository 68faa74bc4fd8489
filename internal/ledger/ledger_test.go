package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecall/internal/accounts"
	"carecall/internal/audit"
	"carecall/internal/billing"
)

func TestBillableMinutes(t *testing.T) {
	cases := map[int]int{-5: 0, 0: 0, 1: 1, 59: 1, 60: 1, 61: 2, 125: 3, 3600: 60}
	for seconds, want := range cases {
		assert.Equal(t, want, BillableMinutes(seconds), "seconds=%d", seconds)
	}
}

func TestSplit(t *testing.T) {
	trialPayg := accounts.Account{ID: "a", PlanType: accounts.PlanPayg, InTrial: true, TrialMinutes: 10}
	cycle := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := accounts.Account{ID: "s", PlanType: accounts.PlanSubscription, IncludedMinutes: 100, CycleStart: cycle}

	tests := []struct {
		name    string
		acct    accounts.Account
		usage   Usage
		minutes int
		want    []Segment
	}{
		{
			name:    "trial remainder then payg",
			acct:    trialPayg,
			usage:   Usage{TrialMinutesUsed: 9},
			minutes: 3,
			want:    []Segment{{TypeTrial, 1}, {TypePayg, 2}},
		},
		{
			name:    "trial exhausted",
			acct:    trialPayg,
			usage:   Usage{TrialMinutesUsed: 10},
			minutes: 2,
			want:    []Segment{{TypePayg, 2}},
		},
		{
			name:    "included then overage",
			acct:    sub,
			usage:   Usage{IncludedMinutesUsed: 98},
			minutes: 5,
			want:    []Segment{{TypeIncluded, 2}, {TypeOverage, 3}},
		},
		{
			name: "trial then included then overage",
			acct: accounts.Account{
				ID: "t", PlanType: accounts.PlanSubscription, InTrial: true, TrialMinutes: 1, IncludedMinutes: 1, CycleStart: cycle,
			},
			minutes: 4,
			want:    []Segment{{TypeTrial, 1}, {TypeIncluded, 1}, {TypeOverage, 2}},
		},
		{
			name:    "subscription without a cycle has no included minutes",
			acct:    accounts.Account{ID: "n", PlanType: accounts.PlanSubscription, IncludedMinutes: 100},
			minutes: 3,
			want:    []Segment{{TypeOverage, 3}},
		},
		{
			name:    "zero minutes",
			acct:    sub,
			minutes: 0,
			want:    nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Split(tc.acct, tc.usage, tc.minutes))
		})
	}
}

func TestAllowanceFor(t *testing.T) {
	a := AllowanceFor(accounts.Account{ID: "a", InTrial: true, TrialMinutes: 5, PlanType: accounts.PlanNone}, Usage{TrialMinutesUsed: 5})
	assert.False(t, a.CanCall)
	assert.Equal(t, 0, a.Remaining())

	a = AllowanceFor(accounts.Account{ID: "a", PlanType: accounts.PlanPayg, MeteredItemID: "si"}, Usage{})
	assert.True(t, a.CanCall)
	assert.True(t, a.Metered)

	a = AllowanceFor(accounts.Account{ID: "a", Status: accounts.AccountSuspended, PlanType: accounts.PlanPayg, MeteredItemID: "si"}, Usage{})
	assert.False(t, a.CanCall)
}

type fakeReporter struct {
	mu    sync.Mutex
	fail  bool
	calls []billing.UsageReport
}

func (f *fakeReporter) ReportUsage(_ context.Context, r billing.UsageReport) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	if f.fail {
		return "", errors.New("billing down")
	}
	return "ur_" + r.IdempotencyKey, nil
}

func newTestService(t *testing.T, acct accounts.Account, rep *fakeReporter) (*Service, *MemoryRepo, *audit.MemoryRepo) {
	t.Helper()
	dir := accounts.NewMemoryDirectory()
	dir.PutAccount(acct)
	repo := NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	svc := NewService(repo, dir, rep, audit.NewService(auditRepo))
	svc.clock = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return svc, repo, auditRepo
}

func TestSettle_TrialThenPayg(t *testing.T) {
	acct := accounts.Account{ID: "acct", PlanType: accounts.PlanPayg, InTrial: true, TrialMinutes: 1, MeteredItemID: "si_1"}
	rep := &fakeReporter{}
	svc, repo, _ := newTestService(t, acct, rep)

	res, err := svc.Settle(context.Background(), SettleInput{CallSessionID: "cs1", AccountID: "acct", LineID: "l1", SecondsConnected: 125})
	require.NoError(t, err)
	require.True(t, res.Inserted)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, TypeTrial, res.Entries[0].BillableType)
	assert.Equal(t, 1, res.Entries[0].BillableMinutes)
	assert.Equal(t, TypePayg, res.Entries[1].BillableType)
	assert.Equal(t, 2, res.Entries[1].BillableMinutes)
	assert.Equal(t, "cs1:1:payg", res.Entries[1].IdempotencyKey)

	require.Len(t, rep.calls, 1)
	assert.Equal(t, 2, rep.calls[0].Quantity)
	assert.Equal(t, "si_1", rep.calls[0].SubscriptionItemID)

	stored := repo.Entries()
	require.Len(t, stored, 2)
	for _, e := range stored {
		if e.BillableType == TypePayg {
			assert.True(t, e.ReportedToBilling)
			assert.Equal(t, "ur_cs1:1:payg", e.UsageRecordID)
		} else {
			assert.False(t, e.ReportedToBilling)
		}
	}
}

func TestSettle_IsIdempotent(t *testing.T) {
	acct := accounts.Account{ID: "acct", PlanType: accounts.PlanPayg, MeteredItemID: "si_1"}
	rep := &fakeReporter{}
	svc, repo, _ := newTestService(t, acct, rep)
	in := SettleInput{CallSessionID: "cs1", AccountID: "acct", SecondsConnected: 61}

	first, err := svc.Settle(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	second, err := svc.Settle(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)

	assert.Len(t, repo.Entries(), 1)
	assert.Len(t, rep.calls, 1)
}

func TestSettle_ConcurrentWritersProduceOneSet(t *testing.T) {
	acct := accounts.Account{
		ID: "acct", PlanType: accounts.PlanSubscription, IncludedMinutes: 10,
		CycleStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	svc, repo, _ := newTestService(t, acct, &fakeReporter{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Settle(context.Background(), SettleInput{CallSessionID: "cs1", AccountID: "acct", SecondsConnected: 300})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, TypeIncluded, entries[0].BillableType)
	assert.Equal(t, 5, entries[0].BillableMinutes)
}

func TestSettle_ZeroSecondsWritesNothing(t *testing.T) {
	acct := accounts.Account{ID: "acct", PlanType: accounts.PlanPayg}
	svc, repo, _ := newTestService(t, acct, &fakeReporter{})

	res, err := svc.Settle(context.Background(), SettleInput{CallSessionID: "cs1", AccountID: "acct"})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Empty(t, repo.Entries())
}

func TestSettle_UsageAccumulatesAcrossSessions(t *testing.T) {
	acct := accounts.Account{ID: "acct", PlanType: accounts.PlanNone, InTrial: true, TrialMinutes: 3}
	svc, _, _ := newTestService(t, acct, &fakeReporter{})

	_, err := svc.Settle(context.Background(), SettleInput{CallSessionID: "cs1", AccountID: "acct", SecondsConnected: 120})
	require.NoError(t, err)
	res, err := svc.Settle(context.Background(), SettleInput{CallSessionID: "cs2", AccountID: "acct", SecondsConnected: 120})
	require.NoError(t, err)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, Segment{TypeTrial, 1}, Segment{res.Entries[0].BillableType, res.Entries[0].BillableMinutes})
	assert.Equal(t, Segment{TypePayg, 1}, Segment{res.Entries[1].BillableType, res.Entries[1].BillableMinutes})
	// no metered item, nothing to report
	assert.Empty(t, res.Entries[1].SubscriptionItemID)

	a, err := svc.Allowance(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 0, a.TrialRemaining)
	assert.False(t, a.CanCall)
}

func TestSettle_UnknownCycleIsNotUnlimited(t *testing.T) {
	acct := accounts.Account{ID: "acct", PlanType: accounts.PlanSubscription, IncludedMinutes: 5}
	svc, _, _ := newTestService(t, acct, &fakeReporter{})

	for _, id := range []string{"cs1", "cs2"} {
		res, err := svc.Settle(context.Background(), SettleInput{CallSessionID: id, AccountID: "acct", SecondsConnected: 240})
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, TypeOverage, res.Entries[0].BillableType)
		assert.Nil(t, res.Entries[0].CycleStart)
	}

	a, err := svc.Allowance(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 0, a.IncludedRemaining)
	assert.False(t, a.CanCall, "no metered item and no known allotment")
}

func TestSettle_ReportFailureIsDeferred(t *testing.T) {
	acct := accounts.Account{ID: "acct", PlanType: accounts.PlanSubscription, IncludedMinutes: 0, MeteredItemID: "si_9"}
	rep := &fakeReporter{fail: true}
	svc, repo, auditRepo := newTestService(t, acct, rep)

	res, err := svc.Settle(context.Background(), SettleInput{CallSessionID: "cs1", AccountID: "acct", SecondsConnected: 30})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, TypeOverage, res.Entries[0].BillableType)

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].ReportedToBilling)
	assert.Equal(t, 1, entries[0].ReportAttempts)
	assert.Len(t, auditRepo.OfType(audit.EventBillingReportFailed), 1)

	rep.mu.Lock()
	rep.fail = false
	rep.mu.Unlock()

	n, err := svc.ReportPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.ReportPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, repo.Entries()[0].ReportedToBilling)
}

func TestMarkReported_OnlyOnce(t *testing.T) {
	repo := NewMemoryRepo()
	require.NoError(t, repo.WithAccountLock(context.Background(), "a", func(ctx context.Context, tx Tx) error {
		_, err := tx.Insert(ctx, Entry{ID: "e1", AccountID: "a", IdempotencyKey: "k", BillableType: TypePayg, SubscriptionItemID: "si"})
		return err
	}))

	now := time.Now()
	ok, err := repo.MarkReported(context.Background(), "e1", "ur1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkReported(context.Background(), "e1", "ur2", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "ur1", repo.Entries()[0].UsageRecordID)
}
