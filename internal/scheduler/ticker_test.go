package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecall/internal/accounts"
	"carecall/internal/calls"
	"carecall/internal/lease"
	"carecall/internal/ledger"
	"carecall/internal/reminders"
	"carecall/internal/schedules"
)

type fakePlacer struct {
	mu      sync.Mutex
	reqs    []calls.PlaceRequest
	fail    bool
	onPlace func(n int)
}

func (f *fakePlacer) Place(_ context.Context, req calls.PlaceRequest) (calls.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.onPlace != nil {
		f.onPlace(len(f.reqs))
	}
	if f.fail {
		return calls.PlaceResult{}, fmt.Errorf("%w: carrier down", calls.ErrPlacementFailed)
	}
	return calls.PlaceResult{Session: calls.Session{ID: fmt.Sprintf("cs_%d", len(f.reqs))}}, nil
}

func (f *fakePlacer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeAllowances struct{ allowance ledger.Allowance }

func (f fakeAllowances) Allowance(context.Context, accounts.Account) (ledger.Allowance, error) {
	return f.allowance, nil
}

type fakeReporter struct{ calls int }

func (f *fakeReporter) ReportPending(context.Context, int) (int, error) {
	f.calls++
	return 0, nil
}

type fakeSettlements struct {
	limits []int
	settle int
}

func (f *fakeSettlements) SettleOutstanding(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return f.settle, nil
}

type countingLeaseStore struct {
	*lease.MemoryStore
	heartbeats int
}

func (s *countingLeaseStore) Heartbeat(ctx context.Context, role, workerID string, now time.Time, extend time.Duration) (bool, error) {
	s.heartbeats++
	return s.MemoryStore.Heartbeat(ctx, role, workerID, now, extend)
}

type tickFixture struct {
	ticker     *Ticker
	leases     *lease.MemoryStore
	rules      *schedules.MemoryStore
	rems       *reminders.MemoryStore
	dir        *accounts.MemoryDirectory
	placer     *fakePlacer
	reporter   *fakeReporter
	now        time.Time
	occurrence time.Time
}

func newTickFixture(t *testing.T) *tickFixture {
	t.Helper()
	occ := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := &tickFixture{
		leases:     lease.NewMemoryStore(),
		rules:      schedules.NewMemoryStore(),
		rems:       reminders.NewMemoryStore(),
		dir:        accounts.NewMemoryDirectory(),
		placer:     &fakePlacer{},
		reporter:   &fakeReporter{},
		occurrence: occ,
		now:        occ.Add(time.Minute),
	}
	f.dir.PutAccount(accounts.Account{ID: "acc_1", PlanType: accounts.PlanPayg, MeteredItemID: "si_1"})
	f.dir.PutLine(accounts.Line{ID: "line_1", AccountID: "acc_1", PhoneNumber: "+15550001111", Timezone: "UTC"})

	f.ticker = NewTicker(Deps{
		Lease:      lease.NewManager(f.leases, "scheduler", "w1", time.Minute),
		Schedules:  f.rules,
		Reminders:  f.rems,
		Directory:  f.dir,
		Allowances: fakeAllowances{allowance: ledger.Allowance{Metered: true, CanCall: true}},
		Placer:     f.placer,
		Reporter:   f.reporter,
	}, Options{BatchSize: 10, ClaimTTL: time.Minute, ReportBatch: 10})
	f.ticker.clock = func() time.Time { return f.now }
	return f
}

func (f *tickFixture) addRule(t *testing.T) schedules.Rule {
	t.Helper()
	r := schedules.Rule{
		ID:           "rule_1",
		AccountID:    "acc_1",
		LineID:       "line_1",
		DaysOfWeek:   []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
		TimeOfDay:    "09:00",
		Timezone:     "UTC",
		Enabled:      true,
		NextRunAt:    f.occurrence,
		OccurrenceAt: f.occurrence,
		RetryPolicy:  schedules.RetryPolicy{MaxRetries: 2, RetryWindowMinutes: 30},
	}
	require.NoError(t, f.rules.Insert(context.Background(), r))
	return r
}

func (f *tickFixture) addReminder(t *testing.T) reminders.Reminder {
	t.Helper()
	r := reminders.Reminder{
		ID:        "rem_1",
		AccountID: "acc_1",
		LineID:    "line_1",
		Message:   "Take your pills",
		DueAt:     f.occurrence,
		Timezone:  "UTC",
		Status:    reminders.StatusScheduled,
	}
	require.NoError(t, f.rems.Insert(context.Background(), r))
	return r
}

func (f *tickFixture) rule(t *testing.T) schedules.Rule {
	t.Helper()
	r, err := f.rules.Get(context.Background(), "rule_1")
	require.NoError(t, err)
	return r
}

func (f *tickFixture) reminder(t *testing.T) reminders.Reminder {
	t.Helper()
	r, err := f.rems.Get(context.Background(), "rem_1")
	require.NoError(t, err)
	return r
}

func TestTick_SkipsWithoutLease(t *testing.T) {
	f := newTickFixture(t)
	f.addRule(t)
	other := lease.NewManager(f.leases, "scheduler", "w2", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, TickSkipped, rep.Outcome)
	assert.Zero(t, f.placer.count())
	assert.Zero(t, f.reporter.calls)
	assert.Equal(t, f.occurrence, f.rule(t).NextRunAt)
}

func TestTick_PlacesDueScheduleAndAdvances(t *testing.T) {
	f := newTickFixture(t)
	f.addRule(t)

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, TickOK, rep.Outcome)
	assert.Equal(t, 1, rep.Schedules)
	assert.Equal(t, 1, rep.Placed)
	assert.Equal(t, 1, f.reporter.calls)

	require.Equal(t, 1, f.placer.count())
	req := f.placer.reqs[0]
	assert.Equal(t, lease.KindSchedule, req.Kind)
	assert.Equal(t, "rule_1", req.ItemID)
	assert.Equal(t, f.occurrence, req.OccurrenceAt)
	assert.Equal(t, 0, req.Attempt)

	r := f.rule(t)
	next := f.occurrence.AddDate(0, 0, 1)
	assert.Equal(t, next, r.NextRunAt)
	assert.Equal(t, next, r.OccurrenceAt)
	assert.Equal(t, 0, r.RetryCount)
	assert.Empty(t, r.Claim.ClaimedBy)
	require.NotNil(t, r.LastRunAt)

	// nothing due any more
	rep = f.ticker.Tick(context.Background())
	assert.Equal(t, 0, rep.Schedules)
	assert.Equal(t, 1, f.placer.count())
}

func TestTick_QuietHoursSuppress(t *testing.T) {
	f := newTickFixture(t)
	f.dir.PutLine(accounts.Line{ID: "line_1", AccountID: "acc_1", PhoneNumber: "+15550001111", Timezone: "UTC",
		QuietHoursStart: "08:00", QuietHoursEnd: "10:00"})
	f.addRule(t)

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, 1, rep.Ineligible)
	assert.Zero(t, f.placer.count())

	r := f.rule(t)
	assert.Equal(t, schedules.ResultSuppressedQuietHours, r.LastResult)
	assert.Equal(t, f.occurrence.AddDate(0, 0, 1), r.NextRunAt)
}

func TestTick_OptedOutAndNoAllowanceAreMissed(t *testing.T) {
	f := newTickFixture(t)
	f.dir.PutLine(accounts.Line{ID: "line_1", AccountID: "acc_1", PhoneNumber: "+15550001111", Timezone: "UTC", OptedOut: true})
	f.addRule(t)
	f.addReminder(t)

	f.ticker.Tick(context.Background())
	assert.Zero(t, f.placer.count())
	assert.Equal(t, schedules.ResultMissed, f.rule(t).LastResult)
	assert.Equal(t, reminders.StatusMissed, f.reminder(t).Status)

	g := newTickFixture(t)
	g.ticker.Allowances = fakeAllowances{allowance: ledger.Allowance{CanCall: false}}
	g.addRule(t)
	g.ticker.Tick(context.Background())
	assert.Zero(t, g.placer.count())
	assert.Equal(t, schedules.ResultMissed, g.rule(t).LastResult)
}

func TestTick_PlacementFailureRetriesInsideWindow(t *testing.T) {
	f := newTickFixture(t)
	f.placer.fail = true
	f.addRule(t)

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, 1, rep.Retried)
	r := f.rule(t)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, f.now.Add(10*time.Minute), r.NextRunAt)
	assert.Equal(t, f.occurrence, r.OccurrenceAt)

	// second attempt, still inside the 30 minute window
	f.now = r.NextRunAt
	f.ticker.Tick(context.Background())
	r = f.rule(t)
	assert.Equal(t, 2, r.RetryCount)
	assert.Equal(t, f.now.Add(10*time.Minute), r.NextRunAt)
	assert.Equal(t, 1, f.placer.reqs[1].Attempt)

	// third failure exhausts the retries
	f.now = r.NextRunAt
	f.ticker.Tick(context.Background())
	r = f.rule(t)
	assert.Equal(t, 3, f.placer.count())
	assert.Equal(t, schedules.ResultFailed, r.LastResult)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, f.occurrence.AddDate(0, 0, 1), r.NextRunAt)
	assert.Equal(t, r.NextRunAt, r.OccurrenceAt)
}

func TestTick_ReminderDeliveredAndRetried(t *testing.T) {
	f := newTickFixture(t)
	f.addReminder(t)

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, 1, rep.Reminders)
	assert.Equal(t, 1, rep.Placed)
	r := f.reminder(t)
	assert.Equal(t, reminders.StatusSent, r.Status)
	assert.Equal(t, 1, r.OccurrenceCount)
	assert.Equal(t, lease.KindReminder, f.placer.reqs[0].Kind)

	g := newTickFixture(t)
	g.placer.fail = true
	g.addReminder(t)
	g.ticker.Tick(context.Background())
	r = g.reminder(t)
	assert.Equal(t, reminders.StatusScheduled, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	require.NotNil(t, r.RetryAt)
	assert.Equal(t, g.now.Add(10*time.Minute), *r.RetryAt)
}

func TestTick_ReleaseFreesLease(t *testing.T) {
	f := newTickFixture(t)
	f.ticker.Tick(context.Background())
	require.True(t, f.ticker.Lease.Held())

	f.ticker.Release(context.Background())
	assert.False(t, f.ticker.Lease.Held())

	other := lease.NewManager(f.leases, "scheduler", "w2", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func (f *tickFixture) addLineReminders(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, f.rems.Insert(context.Background(), reminders.Reminder{
			ID:        fmt.Sprintf("rem_%d", i),
			AccountID: "acc_1",
			LineID:    "line_1",
			Message:   "Check in",
			DueAt:     f.occurrence,
			Timezone:  "UTC",
			Status:    reminders.StatusScheduled,
		}))
	}
}

func TestTick_SettlesOutstandingCalls(t *testing.T) {
	f := newTickFixture(t)
	settlements := &fakeSettlements{settle: 2}
	f.ticker.Settlements = settlements

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, TickOK, rep.Outcome)
	assert.Equal(t, 2, rep.Settled)
	assert.Equal(t, []int{10}, settlements.limits)

	// no lease, no settlement pass
	g := newTickFixture(t)
	gs := &fakeSettlements{}
	g.ticker.Settlements = gs
	other := lease.NewManager(g.leases, "scheduler", "w2", time.Minute)
	_, err := other.Acquire(context.Background())
	require.NoError(t, err)
	g.ticker.Tick(context.Background())
	assert.Empty(t, gs.limits)
}

func TestTick_HeartbeatsWhileProcessing(t *testing.T) {
	f := newTickFixture(t)
	store := &countingLeaseStore{MemoryStore: f.leases}
	f.ticker.Lease = lease.NewManager(store, "scheduler", "w1", time.Minute)
	f.addLineReminders(t, 3)
	f.placer.onPlace = func(int) { f.now = f.now.Add(25 * time.Second) }

	rep := f.ticker.Tick(context.Background())
	assert.Equal(t, 3, rep.Placed)
	// renewed before the second and third items, each a third of the TTL apart
	assert.Equal(t, 2, store.heartbeats)
}

func TestTick_StopsWhenLeaseLostMidTick(t *testing.T) {
	f := newTickFixture(t)
	f.addLineReminders(t, 3)
	ctx := context.Background()
	f.placer.onPlace = func(n int) {
		if n == 1 {
			_, _ = f.leases.Release(ctx, "scheduler", "w1")
			_, _ = f.leases.TryAcquire(ctx, "scheduler", "w2", time.Now(), time.Minute)
		}
		f.now = f.now.Add(30 * time.Second)
	}

	settlements := &fakeSettlements{}
	f.ticker.Settlements = settlements

	rep := f.ticker.Tick(ctx)
	assert.Equal(t, 3, rep.Reminders)
	assert.Equal(t, 1, rep.Placed)
	assert.Equal(t, 1, f.placer.count())
	assert.False(t, f.ticker.Lease.Held())
	assert.Empty(t, settlements.limits)
	assert.Zero(t, f.reporter.calls)
}

func TestEvaluate(t *testing.T) {
	at := time.Date(2026, 3, 2, 22, 30, 0, 0, time.UTC)
	can := ledger.Allowance{CanCall: true}
	line := accounts.Line{Timezone: "UTC", QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}

	assert.Equal(t, schedules.ResultSuppressedQuietHours, Evaluate(line, can, at).Result)
	assert.True(t, Evaluate(line, can, at.Add(-2*time.Hour)).Eligible)
	assert.Equal(t, "no_allowance", Evaluate(line, ledger.Allowance{}, at.Add(-2*time.Hour)).Reason)

	line.OptedOut = true
	assert.Equal(t, "opted_out", Evaluate(line, can, at).Reason)
}

func TestRetryAt(t *testing.T) {
	p := schedules.RetryPolicy{MaxRetries: 2, RetryWindowMinutes: 30}
	occ := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	next, ok := retryAt(p, occ, occ.Add(time.Minute), 1)
	require.True(t, ok)
	assert.Equal(t, occ.Add(11*time.Minute), next)

	_, ok = retryAt(p, occ, occ.Add(25*time.Minute), 1)
	assert.False(t, ok, "retry would leave the window")

	_, ok = retryAt(p, occ, occ.Add(time.Minute), 3)
	assert.False(t, ok, "retries exhausted")
}
