package bridge

import (
	"context"
	"time"

	"carecall/internal/audit"
	"carecall/internal/calls"
	"carecall/pkg/logger"
)

const wrapUpNote = "The caller has run out of call minutes. Let them know kindly, say a warm goodbye, and end the conversation now."

// CutoffPlan says when a session's minutes run out.
type CutoffPlan struct {
	SessionID string
	AccountID string
	Deadline  time.Time
	Reason    calls.EndReason
}

// CutoffWatcher polls live sessions against their minute budget. It reaches
// sessions only through the registry.
type CutoffWatcher struct {
	registry *Registry
	interval time.Duration
	grace    time.Duration
	audit    *audit.Service
	clock    func() time.Time
}

func NewCutoffWatcher(registry *Registry, interval, grace time.Duration, auditSvc *audit.Service) *CutoffWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CutoffWatcher{
		registry: registry,
		interval: interval,
		grace:    grace,
		audit:    auditSvc,
		clock:    time.Now,
	}
}

// Watch blocks until the session is force-closed, leaves the registry, or ctx ends.
func (w *CutoffWatcher) Watch(ctx context.Context, p CutoffPlan) {
	log := logger.From(ctx).With("call_session_id", p.SessionID)

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if _, ok := w.registry.Lookup(p.SessionID); !ok {
			return
		}
		if !w.clock().Before(p.Deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}

	h, ok := w.registry.Lookup(p.SessionID)
	if !ok {
		return
	}
	log.Info("minutes exhausted, wrapping up", "reason", p.Reason)
	h.WrapUp(wrapUpNote)
	w.audit.Record(ctx, audit.EventTrialCutoff, p.AccountID, p.SessionID,
		"minutes exhausted during call", map[string]any{"reason": string(p.Reason)})

	grace := time.NewTimer(w.grace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return
	case <-grace.C:
	}
	if cur, ok := w.registry.Lookup(p.SessionID); ok && cur == h {
		log.Info("grace period over, closing session")
		h.ForceClose(p.Reason)
	}
}
