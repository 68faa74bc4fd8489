package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"carecall/internal/calls"
	"carecall/internal/metrics"
	"carecall/internal/voice"
	"carecall/pkg/logger"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ToolCounter records tool use on the call session.
type ToolCounter interface {
	RecordToolInvocation(ctx context.Context, id string) error
}

// endError ends the event loop with the outcome the session should finish with.
type endError struct {
	status         calls.Status
	reason         calls.EndReason
	providerFailed bool
	cause          error
}

func (e *endError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("session ended (%s/%s): %v", e.status, e.reason, e.cause)
	}
	return fmt.Sprintf("session ended (%s/%s)", e.status, e.reason)
}

func (e *endError) Unwrap() error { return e.cause }

func hangup(cause error) *endError {
	return &endError{status: calls.StatusCompleted, reason: calls.EndHangup, cause: cause}
}

func providerFailure(cause error) *endError {
	return &endError{status: calls.StatusFailed, reason: calls.EndError, providerFailed: true, cause: cause}
}

// Result is how a bridged session ended.
type Result struct {
	Outcome        calls.Outcome
	ProviderFailed bool
	Err            error
}

// Session bridges one carrier leg and one provider leg.
type Session struct {
	id       string
	carrier  voice.CarrierLeg
	provider voice.ProviderLeg
	config   voice.SessionConfig

	playback   *Playback
	dispatcher *Dispatcher
	handle     *Handle
	counter    ToolCounter

	// hangupDelay lets the goodbye play out after an opt-out.
	hangupDelay time.Duration
	clock       func() time.Time
	state       atomic.Int32
}

type SessionParams struct {
	ID       string
	Carrier  voice.CarrierLeg
	Provider voice.ProviderLeg
	Config   voice.SessionConfig

	Dispatcher  *Dispatcher
	Handle      *Handle
	Counter     ToolCounter
	HangupDelay time.Duration
}

func NewSession(p SessionParams) *Session {
	if p.Dispatcher == nil {
		p.Dispatcher = NewDispatcher(nil, p.ID, "", "")
	}
	if p.HangupDelay <= 0 {
		p.HangupDelay = 4 * time.Second
	}
	if p.Handle == nil {
		p.Handle = newHandle(p.ID)
	}
	return &Session{
		id:          p.ID,
		carrier:     p.Carrier,
		provider:    p.Provider,
		config:      p.Config,
		playback:    NewPlayback(),
		dispatcher:  p.Dispatcher,
		handle:      p.Handle,
		counter:     p.Counter,
		hangupDelay: p.HangupDelay,
		clock:       time.Now,
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

type carrierRead struct {
	ev voice.CarrierEvent
}

type providerRead struct {
	ev voice.ProviderEvent
}

// Run bridges the legs until either side ends, then closes both legs before
// returning.
func (s *Session) Run(ctx context.Context) Result {
	ctx = logger.WithAttrs(ctx, "call_session_id", s.id)
	log := logger.From(ctx)

	metrics.SessionStarted()
	defer metrics.SessionEnded()

	g, gctx := errgroup.WithContext(ctx)
	carrierCh := make(chan carrierRead)
	providerCh := make(chan providerRead)

	// Closing the legs unblocks their readers.
	g.Go(func() error {
		<-gctx.Done()
		s.setState(StateClosing)
		_ = s.provider.Close()
		_ = s.carrier.Close()
		return nil
	})

	g.Go(func() error {
		for {
			ev, err := s.carrier.Recv(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return hangup(err)
			}
			if ev.Type == voice.CarrierStop {
				return hangup(nil)
			}
			select {
			case carrierCh <- carrierRead{ev: ev}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			ev, err := s.provider.Recv(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return providerFailure(err)
			}
			select {
			case providerCh <- providerRead{ev: ev}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		if err := s.playback.Run(gctx, s.carrier); err != nil && gctx.Err() == nil {
			return hangup(err)
		}
		return nil
	})

	g.Go(func() error { return s.dispatcher.Run(gctx) })

	g.Go(func() error { return s.loop(gctx, carrierCh, providerCh) })

	err := g.Wait()
	s.setState(StateClosed)

	res := Result{Outcome: calls.Outcome{At: s.clock().UTC()}, Err: err}
	var end *endError
	switch {
	case errors.As(err, &end):
		res.Outcome.Status = end.status
		res.Outcome.Reason = end.reason
		res.ProviderFailed = end.providerFailed
	default:
		// the caller cancelled us; treat as a hangup
		res.Outcome.Status = calls.StatusCompleted
		res.Outcome.Reason = calls.EndHangup
	}
	log.Info("bridge closed", "status", res.Outcome.Status, "reason", res.Outcome.Reason, "err", err)
	return res
}

func (s *Session) loop(ctx context.Context, carrierCh <-chan carrierRead, providerCh <-chan providerRead) error {
	if err := s.provider.Send(ctx, voice.Configure(s.config)); err != nil {
		return providerFailure(fmt.Errorf("configure provider: %w", err))
	}
	if err := s.provider.Send(ctx, voice.ResponseCreate()); err != nil {
		return providerFailure(err)
	}
	s.setState(StateActive)

	results := s.dispatcher.Results()
	pendingTools := 0
	endAfterResponse := false
	var hangupTimer <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case r := <-carrierCh:
			if ctx.Err() != nil {
				return nil
			}
			if r.ev.Type != voice.CarrierMedia || len(r.ev.Frame) == 0 {
				continue
			}
			if err := s.provider.Send(ctx, voice.AudioAppend(r.ev.Frame)); err != nil {
				return providerFailure(err)
			}

		case r := <-providerCh:
			if ctx.Err() != nil {
				return nil
			}
			switch r.ev.Type {
			case voice.EvAudioDelta:
				s.playback.Enqueue(r.ev.Audio)
			case voice.EvSpeechStarted:
				s.bargeIn(ctx)
			case voice.EvToolCall:
				if r.ev.ToolCall == nil {
					continue
				}
				if err := s.dispatcher.Submit(*r.ev.ToolCall); err != nil {
					return &endError{status: calls.StatusFailed, reason: calls.EndError, cause: err}
				}
				pendingTools++
			case voice.EvResponseDone:
				if endAfterResponse && pendingTools == 0 && hangupTimer == nil {
					s.setState(StateClosing)
					hangupTimer = time.After(s.hangupDelay)
				}
			case voice.EvProviderError:
				logger.From(ctx).Warn("provider reported error", "err", r.ev.Err)
			}

		case res := <-results:
			pendingTools--
			if s.counter != nil {
				if err := s.counter.RecordToolInvocation(ctx, s.id); err != nil {
					logger.From(ctx).Warn("count tool invocation", "err", err)
				}
			}
			if err := s.provider.Send(ctx, voice.ToolOutput(res.call.CallID, res.output)); err != nil {
				return providerFailure(err)
			}
			if err := s.provider.Send(ctx, voice.ResponseCreate()); err != nil {
				return providerFailure(err)
			}
			if res.endsCall {
				endAfterResponse = true
			}

		case c := <-s.handle.ctrl:
			switch c.kind {
			case controlWrapUp:
				if err := s.provider.Send(ctx, voice.SystemNote(c.text)); err != nil {
					return providerFailure(err)
				}
				if err := s.provider.Send(ctx, voice.ResponseCreate()); err != nil {
					return providerFailure(err)
				}
			case controlForceClose:
				return &endError{status: calls.StatusCompleted, reason: c.reason}
			}

		case <-hangupTimer:
			return hangup(nil)
		}
	}
}

// bargeIn gives the caller the floor: nothing queued before this point is played.
func (s *Session) bargeIn(ctx context.Context) {
	dropped := s.playback.Flush()
	if err := s.carrier.ClearAudio(ctx); err != nil && ctx.Err() == nil {
		logger.From(ctx).Debug("clear carrier audio", "err", err)
	}
	metrics.IncBargeIn()
	logger.From(ctx).Debug("barge-in", "dropped_frames", dropped)
}
