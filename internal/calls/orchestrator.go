package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"carecall/internal/accounts"
	"carecall/internal/audit"
	"carecall/internal/lease"
	"carecall/internal/ledger"
	"carecall/internal/metrics"
	"carecall/internal/schedules"
	"carecall/internal/telephony"
	"carecall/pkg/logger"
	"carecall/pkg/utils"
)

// Allowances reports what an account may still use.
type Allowances interface {
	Allowance(ctx context.Context, acct accounts.Account) (ledger.Allowance, error)
}

type Settler interface {
	Settle(ctx context.Context, in ledger.SettleInput) (ledger.SettleResult, error)
}

type ScheduleOutcomes interface {
	RecordCallOutcome(ctx context.Context, id string, result schedules.Result) error
}

type ReminderOutcomes interface {
	RecordUnanswered(ctx context.Context, id string) error
}

type Options struct {
	FromNumber    string
	PublicBaseURL string

	PlacementTimeout  time.Duration
	PlacementAttempts int
	CallsPerSecond    float64
	RingTimeout       time.Duration
}

type Deps struct {
	Repo       Repository
	Carrier    telephony.Carrier
	Directory  accounts.Directory
	Allowances Allowances
	Ledger     Settler
	Schedules  ScheduleOutcomes
	Reminders  ReminderOutcomes
	Audit      *audit.Service
}

// Orchestrator owns call-session lifecycle: placement, carrier status and the
// single terminal transition that settles minutes.
type Orchestrator struct {
	Deps
	opts    Options
	limiter *rate.Limiter
	backoff utils.Backoff
	clock   func() time.Time
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	if opts.PlacementTimeout <= 0 {
		opts.PlacementTimeout = 10 * time.Second
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.CallsPerSecond > 0 {
		limit = rate.Limit(opts.CallsPerSecond)
	}
	b := utils.DefaultBackoff
	if opts.PlacementAttempts > 0 {
		b.MaxAttempts = opts.PlacementAttempts
	}
	return &Orchestrator{
		Deps:    d,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		backoff: b,
		clock:   time.Now,
	}
}

type PlaceRequest struct {
	Kind         lease.Kind
	ItemID       string
	OccurrenceAt time.Time
	// Attempt is the retry count of the occurrence; each attempt gets its own key.
	Attempt int

	Account accounts.Account
	Line    accounts.Line
}

type PlaceResult struct {
	Session Session
	// Existing is true when the placement key was already used and no new call was made.
	Existing bool
}

// Place creates an outbound session and asks the carrier to dial it.
// A repeated request for the same placement key never dials twice.
func (o *Orchestrator) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if req.ItemID == "" || req.Line.ID == "" || req.Line.PhoneNumber == "" || req.Account.ID == "" {
		return PlaceResult{}, ErrInvalidArgument
	}
	now := o.clock().UTC()
	s := Session{
		ID:           uuid.NewString(),
		AccountID:    req.Account.ID,
		LineID:       req.Line.ID,
		Direction:    DirectionOutbound,
		Status:       StatusCreated,
		PlacementKey: PlacementKey(req.Kind, req.ItemID, req.OccurrenceAt, req.Attempt),
		ToNumber:     req.Line.PhoneNumber,
		CreatedAt:    now,
	}
	switch req.Kind {
	case lease.KindSchedule:
		s.ScheduleID = req.ItemID
	case lease.KindReminder:
		s.ReminderID = req.ItemID
	}

	s, created, err := o.Repo.Create(ctx, s)
	if err != nil {
		return PlaceResult{}, err
	}
	ctx = logger.WithAttrs(ctx, "call_session_id", s.ID, "placement_key", s.PlacementKey)
	log := logger.From(ctx)

	if !created {
		if s.Status == StatusCreated && now.Sub(s.CreatedAt) > o.abandonedAfter() {
			return o.failAbandoned(ctx, s)
		}
		if s.Status == StatusFailed {
			return PlaceResult{Session: s, Existing: true}, ErrPlacementFailed
		}
		log.Info("placement key already used", "status", s.Status)
		return PlaceResult{Session: s, Existing: true}, nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return o.failPlacement(ctx, s, err)
	}

	callReq := telephony.OutboundCallRequest{
		To:                s.ToNumber,
		From:              o.opts.FromNumber,
		AnswerURL:         o.AnswerURL(s.ID),
		StatusCallbackURL: o.StatusURL(),
		RingTimeout:       o.opts.RingTimeout,
	}
	var res telephony.OutboundCallResult
	err = o.backoff.Retry(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.PlacementTimeout)
		defer cancel()
		var err error
		res, err = o.Carrier.PlaceOutboundCall(attemptCtx, callReq)
		return err
	})
	if err != nil {
		return o.failPlacement(ctx, s, err)
	}

	started := o.clock().UTC()
	ringing, ok, err := o.Repo.Transition(ctx, s.ID, []Status{StatusCreated}, StatusRinging, Patch{
		ProviderCallID: &res.ProviderCallID,
		StartedAt:      &started,
	}, started)
	if err != nil {
		return PlaceResult{Session: s}, err
	}
	if !ok {
		// a status callback may already have moved it on; keep the provider id
		ringing, err = o.Repo.Annotate(ctx, s.ID, Patch{ProviderCallID: &res.ProviderCallID, StartedAt: &started}, started)
		if err != nil {
			return PlaceResult{Session: s}, err
		}
	}
	metrics.IncPlacement("placed")
	log.Info("call placed", "provider_call_id", res.ProviderCallID)
	return PlaceResult{Session: ringing}, nil
}

func (o *Orchestrator) failPlacement(ctx context.Context, s Session, cause error) (PlaceResult, error) {
	now := o.clock().UTC()
	reason := EndError
	failed, _, err := o.Repo.Transition(ctx, s.ID, []Status{StatusCreated}, StatusFailed, Patch{
		EndedAt:   &now,
		EndReason: &reason,
	}, now)
	if err != nil {
		logger.From(ctx).Warn("mark placement failed", "err", err)
		failed = s
	}
	metrics.IncPlacement("failed")
	logger.From(ctx).Error("call placement failed", "err", cause)
	o.Audit.Record(ctx, audit.EventPlacementFailed, s.AccountID, s.ID, cause.Error(), map[string]any{
		"placement_key": s.PlacementKey,
		"line_id":       s.LineID,
	})
	return PlaceResult{Session: failed}, fmt.Errorf("%w: %v", ErrPlacementFailed, cause)
}

// abandonedAfter is how long a session may stay in created before it is
// taken as a placement whose worker died before dialing.
func (o *Orchestrator) abandonedAfter() time.Duration {
	return o.opts.PlacementTimeout * time.Duration(o.backoff.Attempts())
}

// failAbandoned fails a session left in created so the caller's retry policy
// moves on to the next attempt key. The carrier was never asked to dial it.
func (o *Orchestrator) failAbandoned(ctx context.Context, s Session) (PlaceResult, error) {
	now := o.clock().UTC()
	reason := EndError
	failed, ok, err := o.Repo.Transition(ctx, s.ID, []Status{StatusCreated}, StatusFailed, Patch{
		EndedAt:   &now,
		EndReason: &reason,
	}, now)
	if err != nil {
		return PlaceResult{Session: s, Existing: true}, err
	}
	if !ok {
		// dialed after all; its status callbacks own it now
		return PlaceResult{Session: failed, Existing: true}, nil
	}
	metrics.IncPlacement("abandoned")
	logger.From(ctx).Warn("placement abandoned before dialing", "created_at", s.CreatedAt)
	o.Audit.Record(ctx, audit.EventPlacementFailed, s.AccountID, s.ID, "abandoned before dialing", map[string]any{
		"placement_key": s.PlacementKey,
		"line_id":       s.LineID,
	})
	return PlaceResult{Session: failed, Existing: true}, fmt.Errorf("%w: abandoned before dialing", ErrPlacementFailed)
}

func (o *Orchestrator) AnswerURL(sessionID string) string {
	return strings.TrimRight(o.opts.PublicBaseURL, "/") + "/webhooks/carrier/answer/" + sessionID
}

func (o *Orchestrator) StatusURL() string {
	return strings.TrimRight(o.opts.PublicBaseURL, "/") + "/webhooks/carrier/status"
}

// AcceptInbound creates a session for a call from a known, eligible line.
// Carrier webhook retries map to the same session.
func (o *Orchestrator) AcceptInbound(ctx context.Context, in telephony.InboundCall) (Session, error) {
	if in.ProviderCallID == "" || in.From == "" {
		return Session{}, ErrInvalidArgument
	}
	line, err := o.Directory.LineByPhone(ctx, in.From)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: unknown caller", ErrNotEligible)
		}
		return Session{}, err
	}
	if line.OptedOut {
		return Session{}, fmt.Errorf("%w: opted out", ErrNotEligible)
	}
	acct, err := o.Directory.Account(ctx, line.AccountID)
	if err != nil {
		return Session{}, err
	}
	allowance, err := o.Allowances.Allowance(ctx, acct)
	if err != nil {
		return Session{}, err
	}
	if !allowance.CanCall {
		return Session{}, fmt.Errorf("%w: no remaining minutes", ErrNotEligible)
	}

	now := o.clock().UTC()
	s, _, err := o.Repo.Create(ctx, Session{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		LineID:         line.ID,
		Direction:      DirectionInbound,
		Status:         StatusRinging,
		ProviderCallID: in.ProviderCallID,
		PlacementKey:   "inbound:" + in.ProviderCallID,
		ToNumber:       in.To,
		CreatedAt:      now,
		StartedAt:      &now,
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// HandleStatus applies one carrier status callback.
func (o *Orchestrator) HandleStatus(ctx context.Context, ev telephony.StatusEvent) (Session, error) {
	s, err := o.Repo.GetByProviderCallID(ctx, ev.ProviderCallID)
	if err != nil {
		return Session{}, err
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = o.clock().UTC()
	}

	switch ev.Status {
	case telephony.StatusQueued, telephony.StatusInitiated, telephony.StatusRinging:
		s, _, err = o.Repo.Transition(ctx, s.ID, []Status{StatusCreated}, StatusRinging, Patch{StartedAt: &at}, at)
		return s, err
	case telephony.StatusInProgress:
		return o.MarkConnected(ctx, s.ID, at)
	case telephony.StatusBusy:
		s, _, err = o.Finish(ctx, s.ID, Outcome{Status: StatusBusy, At: at})
	case telephony.StatusNoAnswer:
		s, _, err = o.Finish(ctx, s.ID, Outcome{Status: StatusNoAnswer, At: at})
	case telephony.StatusFailed:
		s, _, err = o.Finish(ctx, s.ID, Outcome{Status: StatusFailed, At: at})
	case telephony.StatusCanceled:
		s, _, err = o.Finish(ctx, s.ID, Outcome{Status: StatusCanceled, At: at})
	case telephony.StatusCompleted:
		if s.Status == StatusRinging {
			// answered callback never arrived; the carrier's duration tells us when it connected
			connected := at.Add(-time.Duration(ev.DurationSeconds) * time.Second)
			if _, err := o.MarkConnected(ctx, s.ID, connected); err != nil {
				return Session{}, err
			}
		}
		s, _, err = o.Finish(ctx, s.ID, Outcome{Status: StatusCompleted, Reason: EndHangup, At: at})
	default:
		logger.From(ctx).Debug("ignoring carrier status", "status", ev.Status, "call_session_id", s.ID)
		return s, nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		// out-of-order callbacks are expected
		logger.From(ctx).Info("carrier status not applicable", "status", ev.Status, "call_session_id", s.ID)
		return o.Repo.Get(ctx, s.ID)
	}
	return s, err
}

// MarkConnected moves a ringing session to in_progress. The first connect time wins.
func (o *Orchestrator) MarkConnected(ctx context.Context, id string, at time.Time) (Session, error) {
	s, ok, err := o.Repo.Transition(ctx, id, []Status{StatusRinging}, StatusInProgress, Patch{ConnectedAt: &at}, at)
	if err != nil || ok {
		return s, err
	}
	if s.Status == StatusInProgress {
		return o.Repo.Annotate(ctx, id, Patch{ConnectedAt: &at}, at)
	}
	return s, nil
}

// Outcome is how a session ended.
type Outcome struct {
	Status Status
	Reason EndReason
	At     time.Time
}

// Finish performs the session's terminal transition. Only the caller that
// performs it (finished=true) settles minutes and records item outcomes;
// everyone else gets the already-ended session back.
func (o *Orchestrator) Finish(ctx context.Context, id string, out Outcome) (Session, bool, error) {
	if !out.Status.Terminal() {
		return Session{}, false, ErrInvalidArgument
	}
	if out.At.IsZero() {
		out.At = o.clock().UTC()
	}
	if out.Reason == "" {
		out.Reason = DefaultEndReason(out.Status)
	}

	for attempt := 0; attempt < 3; attempt++ {
		cur, err := o.Repo.Get(ctx, id)
		if err != nil {
			return Session{}, false, err
		}
		if cur.Status.Terminal() {
			return cur, false, nil
		}
		if !CanTransition(cur.Status, out.Status) {
			return cur, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, out.Status)
		}

		seconds := 0
		if cur.ConnectedAt != nil && out.At.After(*cur.ConnectedAt) {
			seconds = int(out.At.Sub(*cur.ConnectedAt) / time.Second)
		}
		reason := out.Reason
		ended, ok, err := o.Repo.Transition(ctx, id, []Status{cur.Status}, out.Status, Patch{
			EndedAt:          &out.At,
			EndReason:        &reason,
			SecondsConnected: &seconds,
		}, out.At)
		if err != nil {
			return Session{}, false, err
		}
		if !ok {
			continue
		}
		return ended, true, o.afterFinish(ctx, ended)
	}
	cur, err := o.Repo.Get(ctx, id)
	return cur, false, err
}

func (o *Orchestrator) afterFinish(ctx context.Context, s Session) error {
	ctx = logger.WithAttrs(ctx, "call_session_id", s.ID)
	log := logger.From(ctx)
	log.Info("call ended", "status", s.Status, "end_reason", s.EndReason, "seconds", s.SecondsConnected)

	var settleErr error
	if s.ConnectedAt != nil {
		if err := o.settle(ctx, s); err != nil {
			log.Error("ledger settle failed, will retry", "err", err)
			settleErr = err
		}
		if s.Status == StatusCompleted {
			if err := o.Directory.MarkFirstCallCompleted(ctx, s.LineID); err != nil {
				log.Warn("mark first call completed", "err", err)
			}
		}
	}

	if s.ScheduleID != "" && o.Schedules != nil {
		if err := o.Schedules.RecordCallOutcome(ctx, s.ScheduleID, scheduleResult(s)); err != nil {
			log.Warn("record schedule outcome", "schedule_id", s.ScheduleID, "err", err)
		}
	}
	if s.ReminderID != "" && s.ConnectedAt == nil && o.Reminders != nil {
		if err := o.Reminders.RecordUnanswered(ctx, s.ReminderID); err != nil {
			log.Warn("record reminder unanswered", "reminder_id", s.ReminderID, "err", err)
		}
	}
	return settleErr
}

// settle writes the session's minutes to the ledger and marks it settled.
// Settle is idempotent per session, so repeating it after a partial failure is safe.
func (o *Orchestrator) settle(ctx context.Context, s Session) error {
	if _, err := o.Ledger.Settle(ctx, ledger.SettleInput{
		CallSessionID:    s.ID,
		AccountID:        s.AccountID,
		LineID:           s.LineID,
		SecondsConnected: s.SecondsConnected,
	}); err != nil {
		return fmt.Errorf("settle call %s: %w", s.ID, err)
	}
	if err := o.Repo.MarkSettled(ctx, s.ID, o.clock().UTC()); err != nil {
		return fmt.Errorf("mark call %s settled: %w", s.ID, err)
	}
	return nil
}

// settleGrace keeps SettleOutstanding away from calls still being finished.
const settleGrace = time.Minute

// SettleOutstanding retries settlement for ended calls whose minutes never
// reached the ledger. Calls that ended within settleGrace are left to the
// finishing caller. It returns how many were settled.
func (o *Orchestrator) SettleOutstanding(ctx context.Context, limit int) (int, error) {
	pending, err := o.Repo.ListUnsettled(ctx, o.clock().UTC().Add(-settleGrace), limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	var firstErr error
	for _, s := range pending {
		if err := o.settle(ctx, s); err != nil {
			logger.From(ctx).Warn("settle retry failed", "call_session_id", s.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		settled++
	}
	if settled > 0 {
		logger.From(ctx).Info("settled outstanding calls", "count", settled)
	}
	return settled, firstErr
}

func scheduleResult(s Session) schedules.Result {
	switch s.Status {
	case StatusCompleted:
		return schedules.ResultSuccess
	case StatusFailed:
		return schedules.ResultFailed
	default:
		return schedules.ResultMissed
	}
}

func (o *Orchestrator) Get(ctx context.Context, id string) (Session, error) {
	return o.Repo.Get(ctx, id)
}

func (o *Orchestrator) RecordToolInvocation(ctx context.Context, id string) error {
	return o.Repo.IncrementToolInvocations(ctx, id)
}
