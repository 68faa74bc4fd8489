package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carecall/internal/accounts"
	"carecall/internal/audit"
	"carecall/internal/auth"
	"carecall/internal/calls"
	"carecall/internal/ledger"
	"carecall/internal/reminders"
	"carecall/internal/telephony"
	"carecall/internal/tools"
	"carecall/internal/voice"
	"carecall/pkg/logger"
)

const defaultFallbackMessage = "We're sorry, we are having trouble connecting your call right now. We will try again soon. Goodbye."

var (
	ErrNoStart       = errors.New("bridge: carrier stream did not start")
	ErrStreamToken   = errors.New("bridge: stream token rejected")
	ErrSessionEnded  = errors.New("bridge: call session already ended")
	ErrSessionActive = errors.New("bridge: call session already bridged")
)

// Calls is the call-session surface the bridge drives.
type Calls interface {
	Get(ctx context.Context, id string) (calls.Session, error)
	MarkConnected(ctx context.Context, id string, at time.Time) (calls.Session, error)
	Finish(ctx context.Context, id string, out calls.Outcome) (calls.Session, bool, error)
	RecordToolInvocation(ctx context.Context, id string) error
}

type Allowances interface {
	AllowanceByID(ctx context.Context, accountID string) (accounts.Account, ledger.Allowance, error)
}

type Reminders interface {
	Get(ctx context.Context, id string) (reminders.Reminder, error)
}

type ProviderDialer interface {
	Dial(ctx context.Context) (voice.ProviderLeg, error)
}

type TokenVerifier interface {
	VerifyStreamToken(token string, now time.Time) (auth.StreamClaims, error)
}

type Options struct {
	Voice               string
	TrialCheckInterval  time.Duration
	CutoffGrace         time.Duration
	LowMinutesThreshold int
	StartTimeout        time.Duration
	FinishTimeout       time.Duration
	HangupDelay         time.Duration
	FallbackMessage     string
}

type Deps struct {
	Calls      Calls
	Directory  accounts.Directory
	Allowances Allowances
	Reminders  Reminders
	Tools      Invoker
	Provider   ProviderDialer
	Tokens     TokenVerifier
	Carrier    telephony.Carrier
	Audit      *audit.Service
	Registry   *Registry
}

// Manager accepts carrier media streams and runs a bridged session for each.
type Manager struct {
	Deps
	opts    Options
	cutoffs *CutoffWatcher
	clock   func() time.Time
	active  sync.WaitGroup
}

func NewManager(d Deps, opts Options) *Manager {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = 15 * time.Second
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = defaultFallbackMessage
	}
	return &Manager{
		Deps:    d,
		opts:    opts,
		cutoffs: NewCutoffWatcher(d.Registry, opts.TrialCheckInterval, opts.CutoffGrace, d.Audit),
		clock:   time.Now,
	}
}

// Serve owns leg for its whole life and closes it before returning.
func (m *Manager) Serve(ctx context.Context, leg voice.CarrierLeg) error {
	m.active.Add(1)
	defer m.active.Done()

	start, err := m.awaitStart(ctx, leg)
	if err != nil {
		_ = leg.Close()
		return err
	}

	claims, err := m.Tokens.VerifyStreamToken(start.Token, m.clock())
	if err != nil {
		_ = leg.Close()
		return fmt.Errorf("%w: %v", ErrStreamToken, err)
	}
	if start.CallSessionID != "" && start.CallSessionID != claims.CallSessionID {
		_ = leg.Close()
		return fmt.Errorf("%w: session mismatch", ErrStreamToken)
	}

	sessionID := claims.CallSessionID
	ctx = logger.WithAttrs(ctx, "call_session_id", sessionID, "stream_id", start.StreamID)
	log := logger.From(ctx)

	sess, err := m.Calls.Get(ctx, sessionID)
	if err != nil {
		_ = leg.Close()
		return err
	}
	if sess.Status.Terminal() {
		_ = leg.Close()
		return ErrSessionEnded
	}
	if sess.ProviderCallID == "" {
		sess.ProviderCallID = start.ProviderCallID
	}

	handle := newHandle(sessionID)
	if err := m.Registry.Register(handle); err != nil {
		_ = leg.Close()
		return ErrSessionActive
	}
	defer m.Registry.Remove(handle)

	if s, err := m.Calls.MarkConnected(ctx, sessionID, m.clock().UTC()); err != nil {
		log.Warn("mark connected", "err", err)
	} else {
		sess = s
	}

	line, acct, allowance, prompt, err := m.prepare(ctx, sess)
	if err != nil {
		_ = leg.Close()
		m.finish(ctx, sess, calls.Outcome{Status: calls.StatusFailed, Reason: calls.EndError})
		return err
	}

	provider, err := m.Provider.Dial(ctx)
	if err != nil {
		log.Error("provider dial failed", "err", err)
		m.fallback(ctx, sess, err)
		_ = leg.Close()
		m.finish(ctx, sess, calls.Outcome{Status: calls.StatusFailed, Reason: calls.EndError})
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if plan, ok := m.cutoffPlan(sess, acct, allowance); ok {
		go m.cutoffs.Watch(runCtx, plan)
	}

	bridge := NewSession(SessionParams{
		ID:          sessionID,
		Carrier:     leg,
		Provider:    provider,
		Config:      voice.SessionConfig{Instructions: prompt, Voice: m.opts.Voice, Tools: tools.Specs()},
		Dispatcher:  NewDispatcher(m.Tools, sessionID, sess.AccountID, line.ID),
		Handle:      handle,
		Counter:     m.Calls,
		HangupDelay: m.opts.HangupDelay,
	})
	log.Info("bridge starting", "line_id", line.ID)
	res := bridge.Run(runCtx)
	cancel()
	m.Registry.Remove(handle)

	if res.ProviderFailed {
		m.fallback(ctx, sess, res.Err)
	}
	m.finish(ctx, sess, res.Outcome)
	return nil
}

// Shutdown drains live sessions and then waits, until ctx is done, for every
// Serve call to finish its bookkeeping. It returns the number force-closed.
func (m *Manager) Shutdown(ctx context.Context, farewell string) int {
	left := m.Registry.Drain(ctx, farewell)
	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return left
}

func (m *Manager) awaitStart(ctx context.Context, leg voice.CarrierLeg) (voice.CarrierEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StartTimeout)
	defer cancel()
	for {
		ev, err := leg.Recv(ctx)
		if err != nil {
			return voice.CarrierEvent{}, fmt.Errorf("%w: %v", ErrNoStart, err)
		}
		switch ev.Type {
		case voice.CarrierStart:
			return ev, nil
		case voice.CarrierStop:
			return voice.CarrierEvent{}, ErrNoStart
		}
	}
}

func (m *Manager) prepare(ctx context.Context, sess calls.Session) (accounts.Line, accounts.Account, ledger.Allowance, string, error) {
	line, err := m.Directory.Line(ctx, sess.LineID)
	if err != nil {
		return accounts.Line{}, accounts.Account{}, ledger.Allowance{}, "", fmt.Errorf("load line: %w", err)
	}
	acct, allowance, err := m.Allowances.AllowanceByID(ctx, sess.AccountID)
	if err != nil {
		return accounts.Line{}, accounts.Account{}, ledger.Allowance{}, "", fmt.Errorf("load allowance: %w", err)
	}

	in := PromptInput{
		Line:                line,
		Account:             acct,
		Allowance:           allowance,
		IsReminderCall:      sess.IsReminderCall(),
		Inbound:             sess.Direction == calls.DirectionInbound,
		LowMinutesThreshold: m.opts.LowMinutesThreshold,
	}
	if summary, err := m.Directory.MemorySummary(ctx, line.ID); err != nil {
		logger.From(ctx).Warn("load memory summary", "err", err)
	} else {
		in.MemorySummary = summary
	}
	if sess.IsReminderCall() && m.Reminders != nil {
		if r, err := m.Reminders.Get(ctx, sess.ReminderID); err != nil {
			logger.From(ctx).Warn("load reminder", "reminder_id", sess.ReminderID, "err", err)
		} else {
			in.ReminderMessage = r.Message
		}
	}
	return line, acct, allowance, BuildPrompt(in), nil
}

// cutoffPlan is set only for accounts that cannot be billed past their allowance.
func (m *Manager) cutoffPlan(sess calls.Session, acct accounts.Account, a ledger.Allowance) (CutoffPlan, bool) {
	if a.Metered {
		return CutoffPlan{}, false
	}
	connected := m.clock().UTC()
	if sess.ConnectedAt != nil {
		connected = *sess.ConnectedAt
	}
	reason := calls.EndMinutesCap
	if acct.InTrial {
		reason = calls.EndTrialCap
	}
	return CutoffPlan{
		SessionID: sess.ID,
		AccountID: sess.AccountID,
		Deadline:  connected.Add(time.Duration(a.Remaining()) * time.Minute),
		Reason:    reason,
	}, true
}

func (m *Manager) fallback(ctx context.Context, sess calls.Session, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.FinishTimeout)
	defer cancel()

	msg := "realtime provider unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	m.Audit.Record(ctx, audit.EventStreamFailed, sess.AccountID, sess.ID, msg, nil)

	if m.Carrier == nil || sess.ProviderCallID == "" {
		return
	}
	if err := m.Carrier.Announce(ctx, sess.ProviderCallID, m.opts.FallbackMessage); err != nil {
		logger.From(ctx).Warn("fallback announcement failed", "err", err)
	}
}

func (m *Manager) finish(ctx context.Context, sess calls.Session, out calls.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.FinishTimeout)
	defer cancel()
	if out.At.IsZero() {
		out.At = m.clock().UTC()
	}
	if _, _, err := m.Calls.Finish(ctx, sess.ID, out); err != nil && !errors.Is(err, calls.ErrInvalidTransition) {
		logger.From(ctx).Error("finish call session", "err", err)
	}
}
