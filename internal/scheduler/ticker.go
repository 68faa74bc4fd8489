package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"carecall/internal/accounts"
	"carecall/internal/calls"
	"carecall/internal/lease"
	"carecall/internal/ledger"
	"carecall/internal/metrics"
	"carecall/internal/reminders"
	"carecall/internal/schedules"
	"carecall/pkg/logger"
)

type Placer interface {
	Place(ctx context.Context, req calls.PlaceRequest) (calls.PlaceResult, error)
}

type Allowances interface {
	Allowance(ctx context.Context, acct accounts.Account) (ledger.Allowance, error)
}

type UsageReporter interface {
	ReportPending(ctx context.Context, limit int) (int, error)
}

// Settlements retries ledger settlement for ended calls that missed it.
type Settlements interface {
	SettleOutstanding(ctx context.Context, limit int) (int, error)
}

type Deps struct {
	Lease       *lease.Manager
	Schedules   lease.ClaimStore[schedules.Rule]
	Reminders   lease.ClaimStore[reminders.Reminder]
	Directory   accounts.Directory
	Allowances  Allowances
	Placer      Placer
	Reporter    UsageReporter
	Settlements Settlements
}

type Options struct {
	BatchSize   int
	ClaimTTL    time.Duration
	ReportBatch int
	// ReminderRetry applies to every reminder; rules carry their own policy.
	ReminderRetry schedules.RetryPolicy
	// Concurrency bounds how many lines are processed at once.
	Concurrency int
}

const (
	TickSkipped = "skipped"
	TickOK      = "ok"
	TickError   = "error"
)

// TickReport summarizes one tick.
type TickReport struct {
	Outcome    string
	Schedules  int
	Reminders  int
	Placed     int
	Ineligible int
	Retried    int
	Settled    int
	Reported   int
}

// Ticker runs one scheduling pass per Tick while holding the role lease.
type Ticker struct {
	Deps
	opts  Options
	clock func() time.Time

	beatMu    sync.Mutex
	lastBeat  time.Time
	leaseLost bool
}

func NewTicker(d Deps, opts Options) *Ticker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	if opts.ReminderRetry == (schedules.RetryPolicy{}) {
		opts.ReminderRetry = schedules.DefaultRetryPolicy
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Ticker{Deps: d, opts: opts, clock: time.Now}
}

func (t *Ticker) Run(ctx context.Context) {
	t.Tick(ctx)
}

func (t *Ticker) Tick(ctx context.Context) TickReport {
	log := logger.From(ctx).With("worker_id", t.Lease.WorkerID(), "role", t.Lease.Role())

	held, err := t.Lease.EnsureHeld(ctx)
	if err != nil {
		log.Error("lease check failed", "err", err)
		metrics.IncTick(TickError)
		return TickReport{Outcome: TickError}
	}
	if !held {
		log.Debug("lease held elsewhere, skipping tick")
		metrics.IncTick(TickSkipped)
		return TickReport{Outcome: TickSkipped}
	}

	rep := TickReport{Outcome: TickOK}
	workerID := t.Lease.WorkerID()
	t.beatMu.Lock()
	t.lastBeat = t.clock()
	t.leaseLost = false
	t.beatMu.Unlock()

	rules, err := t.Schedules.ClaimBatch(ctx, workerID, t.clock().UTC(), t.opts.BatchSize, t.opts.ClaimTTL)
	if err != nil {
		log.Error("claim schedules", "err", err)
		rep.Outcome = TickError
	}
	rep.Schedules = len(rules)
	metrics.AddClaimed(string(lease.KindSchedule), len(rules))

	rems, err := t.Reminders.ClaimBatch(ctx, workerID, t.clock().UTC(), t.opts.BatchSize, t.opts.ClaimTTL)
	if err != nil {
		log.Error("claim reminders", "err", err)
		rep.Outcome = TickError
	}
	rep.Reminders = len(rems)
	metrics.AddClaimed(string(lease.KindReminder), len(rems))

	if len(rules)+len(rems) > 0 {
		log.Info("claimed due items", "schedules", len(rules), "reminders", len(rems))
	}

	outcomes := t.process(ctx, rules, rems)
	for _, o := range outcomes {
		switch o {
		case itemPlaced:
			rep.Placed++
		case itemIneligible:
			rep.Ineligible++
		case itemRetry:
			rep.Retried++
		}
	}

	if t.lostLease() {
		metrics.IncTick(rep.Outcome)
		return rep
	}

	if t.Settlements != nil && t.opts.ReportBatch > 0 {
		n, err := t.Settlements.SettleOutstanding(ctx, t.opts.ReportBatch)
		if err != nil {
			log.Warn("settle outstanding calls", "err", err)
		}
		rep.Settled = n
	}

	if t.Reporter != nil && t.opts.ReportBatch > 0 {
		n, err := t.Reporter.ReportPending(ctx, t.opts.ReportBatch)
		if err != nil {
			log.Warn("report pending usage", "err", err)
		}
		rep.Reported = n
	}

	metrics.IncTick(rep.Outcome)
	return rep
}

// Release gives the lease up on shutdown so another worker can take over
// without waiting out the TTL.
func (t *Ticker) Release(ctx context.Context) {
	if !t.Lease.Held() {
		return
	}
	if _, err := t.Lease.Release(ctx); err != nil {
		logger.From(ctx).Warn("release scheduler lease", "err", err)
	}
}

type itemOutcome int

const (
	itemNone itemOutcome = iota
	itemPlaced
	itemIneligible
	itemRetry
)

// process handles the claimed items. Items of one line run in order on one
// goroutine; different lines run concurrently.
func (t *Ticker) process(ctx context.Context, rules []schedules.Rule, rems []reminders.Reminder) []itemOutcome {
	type job func(context.Context) itemOutcome
	byLine := make(map[string][]job)
	var order []string
	add := func(lineID string, j job) {
		if _, ok := byLine[lineID]; !ok {
			order = append(order, lineID)
		}
		byLine[lineID] = append(byLine[lineID], j)
	}
	for _, r := range rules {
		add(r.LineID, func(ctx context.Context) itemOutcome { return t.processRule(ctx, r) })
	}
	for _, r := range rems {
		add(r.LineID, func(ctx context.Context) itemOutcome { return t.processReminder(ctx, r) })
	}

	results := make([][]itemOutcome, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)
	for i, lineID := range order {
		jobs := byLine[lineID]
		g.Go(func() error {
			for _, j := range jobs {
				if !t.keepLease(gctx) {
					// unprocessed claims expire and the next lease holder takes them
					break
				}
				results[i] = append(results[i], j(gctx))
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []itemOutcome
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// keepLease heartbeats the role lease once a third of its TTL has passed
// since the last renewal. It reports false once the lease is lost.
func (t *Ticker) keepLease(ctx context.Context) bool {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	if t.leaseLost {
		return false
	}
	now := t.clock()
	if now.Sub(t.lastBeat) < t.Lease.TTL()/3 {
		return true
	}
	ok, err := t.Lease.Heartbeat(ctx)
	if err != nil || !ok {
		logger.From(ctx).Warn("scheduler lease lost mid-tick", "err", err)
		t.leaseLost = true
		return false
	}
	t.lastBeat = now
	return true
}

func (t *Ticker) lostLease() bool {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	return t.leaseLost
}

func (t *Ticker) loadTarget(ctx context.Context, accountID, lineID string) (accounts.Account, accounts.Line, ledger.Allowance, error) {
	line, err := t.Directory.Line(ctx, lineID)
	if err != nil {
		return accounts.Account{}, accounts.Line{}, ledger.Allowance{}, err
	}
	acct, err := t.Directory.Account(ctx, accountID)
	if err != nil {
		return accounts.Account{}, accounts.Line{}, ledger.Allowance{}, err
	}
	allowance, err := t.Allowances.Allowance(ctx, acct)
	if err != nil {
		return accounts.Account{}, accounts.Line{}, ledger.Allowance{}, err
	}
	return acct, line, allowance, nil
}

func (t *Ticker) processRule(ctx context.Context, r schedules.Rule) itemOutcome {
	ctx = logger.WithAttrs(ctx, "schedule_id", r.ID, "line_id", r.LineID)
	log := logger.From(ctx)
	now := t.clock().UTC()

	if !r.Enabled {
		t.completeRule(ctx, r)
		return itemNone
	}
	if r.OccurrenceAt.IsZero() {
		r.OccurrenceAt = r.NextRunAt
	}

	acct, line, allowance, err := t.loadTarget(ctx, r.AccountID, r.LineID)
	if err != nil {
		if ctx.Err() != nil {
			return itemNone
		}
		log.Error("load call target", "err", err)
		r = t.advanceRule(ctx, r, now, schedules.ResultFailed)
		t.completeRule(ctx, r)
		return itemIneligible
	}

	d := Evaluate(line, allowance, r.NextRunAt)
	if !d.Eligible {
		log.Info("schedule occurrence not eligible", "reason", d.Reason, "result", d.Result)
		r = t.advanceRule(ctx, r, now, d.Result)
		t.completeRule(ctx, r)
		return itemIneligible
	}

	_, err = t.Placer.Place(ctx, calls.PlaceRequest{
		Kind:         lease.KindSchedule,
		ItemID:       r.ID,
		OccurrenceAt: r.OccurrenceAt,
		Attempt:      r.RetryCount,
		Account:      acct,
		Line:         line,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, calls.ErrPlacementFailed) {
			// claim expires and the next owner retries
			return itemNone
		}
		r.RetryCount++
		r.LastRunAt = &now
		if at, ok := retryAt(r.RetryPolicy, r.OccurrenceAt, now, r.RetryCount); ok {
			log.Warn("placement failed, retrying", "attempt", r.RetryCount, "retry_at", at, "err", err)
			r.NextRunAt = at
			t.completeRule(ctx, r)
			return itemRetry
		}
		log.Error("placement failed, giving up on occurrence", "attempts", r.RetryCount, "err", err)
		r = t.advanceRule(ctx, r, now, schedules.ResultFailed)
		t.completeRule(ctx, r)
		return itemIneligible
	}

	r.LastRunAt = &now
	r = t.advanceRule(ctx, r, now, r.LastResult)
	t.completeRule(ctx, r)
	return itemPlaced
}

// advanceRule moves r to its next occurrence after now.
func (t *Ticker) advanceRule(ctx context.Context, r schedules.Rule, now time.Time, result schedules.Result) schedules.Rule {
	r.LastResult = result
	r.RetryCount = 0
	if r.LastRunAt == nil {
		r.LastRunAt = &now
	}
	next, err := r.NextAfter(now)
	if err != nil {
		// keep it out of the due set until someone fixes the rule
		logger.From(ctx).Error("compute next run", "err", err)
		next = now.Add(24 * time.Hour)
	}
	r.NextRunAt = next
	r.OccurrenceAt = next
	return r
}

func (t *Ticker) completeRule(ctx context.Context, r schedules.Rule) {
	ok, err := t.Schedules.CompleteClaim(ctx, r, t.Lease.WorkerID())
	switch {
	case err != nil:
		logger.From(ctx).Error("complete schedule claim", "err", err)
	case !ok:
		logger.From(ctx).Info("schedule claim lost before completion")
	}
}

func (t *Ticker) processReminder(ctx context.Context, r reminders.Reminder) itemOutcome {
	ctx = logger.WithAttrs(ctx, "reminder_id", r.ID, "line_id", r.LineID)
	log := logger.From(ctx)
	now := t.clock().UTC()

	if !r.Due(now) {
		t.completeReminder(ctx, r)
		return itemNone
	}

	acct, line, allowance, err := t.loadTarget(ctx, r.AccountID, r.LineID)
	if err != nil {
		if ctx.Err() != nil {
			return itemNone
		}
		log.Error("load call target", "err", err)
		t.skipReminder(ctx, r, now)
		return itemIneligible
	}

	d := Evaluate(line, allowance, r.FireAt())
	if !d.Eligible {
		log.Info("reminder occurrence not eligible", "reason", d.Reason)
		t.skipReminder(ctx, r, now)
		return itemIneligible
	}

	_, err = t.Placer.Place(ctx, calls.PlaceRequest{
		Kind:         lease.KindReminder,
		ItemID:       r.ID,
		OccurrenceAt: r.OccurrenceAt(),
		Attempt:      r.RetryCount,
		Account:      acct,
		Line:         line,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, calls.ErrPlacementFailed) {
			return itemNone
		}
		r.RetryCount++
		if at, ok := retryAt(t.opts.ReminderRetry, r.OccurrenceAt(), now, r.RetryCount); ok {
			log.Warn("placement failed, retrying", "attempt", r.RetryCount, "retry_at", at, "err", err)
			r.RetryAt = &at
			t.completeReminder(ctx, r)
			return itemRetry
		}
		log.Error("placement failed, giving up on occurrence", "attempts", r.RetryCount, "err", err)
		t.skipReminder(ctx, r, now)
		return itemIneligible
	}

	next, err := reminders.Advance(r, now, true)
	if err != nil {
		log.Error("advance reminder", "err", err)
		return itemPlaced
	}
	t.completeReminder(ctx, next)
	return itemPlaced
}

// skipReminder records the occurrence as undelivered and moves on.
func (t *Ticker) skipReminder(ctx context.Context, r reminders.Reminder, now time.Time) {
	next, err := reminders.Advance(r, now, false)
	if err != nil {
		logger.From(ctx).Error("advance reminder", "err", err)
		return
	}
	t.completeReminder(ctx, next)
}

func (t *Ticker) completeReminder(ctx context.Context, r reminders.Reminder) {
	ok, err := t.Reminders.CompleteClaim(ctx, r, t.Lease.WorkerID())
	switch {
	case err != nil:
		logger.From(ctx).Error("complete reminder claim", "err", err)
	case !ok:
		logger.From(ctx).Info("reminder claim lost before completion")
	}
}
