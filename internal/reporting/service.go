package reporting

import (
	"context"
	"errors"
	"time"

	"carecall/internal/calls"
	"carecall/internal/ledger"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds one summary so a single request cannot scan an account's whole history.
const maxRange = 366 * 24 * time.Hour

// CallSource lists call sessions created in [from, to).
type CallSource interface {
	ListForAccount(ctx context.Context, accountID string, from, to time.Time) ([]calls.Session, error)
}

// EntrySource lists ledger entries written in [from, to).
type EntrySource interface {
	EntriesForAccount(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Entry, error)
}

// Service builds read-only usage summaries from the immutable sources: call
// sessions and the minute ledger.
type Service struct {
	calls   CallSource
	entries EntrySource
}

func NewService(callSrc CallSource, entrySrc EntrySource) *Service {
	return &Service{calls: callSrc, entries: entrySrc}
}

func (s *Service) Usage(ctx context.Context, req UsageRequest) (UsageSummary, error) {
	if req.AccountID == "" {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.calls == nil || s.entries == nil {
		return UsageSummary{}, errors.New("reporting: sources not configured")
	}

	sessions, err := s.calls.ListForAccount(ctx, req.AccountID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}
	entries, err := s.entries.EntriesForAccount(ctx, req.AccountID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}

	return UsageSummary{
		AccountID: req.AccountID,
		Range:     req.Range,
		Calls:     summarizeCalls(sessions),
		Minutes:   summarizeMinutes(entries),
	}, nil
}

func summarizeCalls(sessions []calls.Session) CallsSummary {
	var out CallsSummary
	connected := 0
	for _, c := range sessions {
		out.TotalCalls++
		if c.Direction == calls.DirectionInbound {
			out.InboundCalls++
		} else {
			out.OutboundCalls++
		}
		out.TotalConnectedSeconds += c.SecondsConnected
		out.ToolInvocations += c.ToolInvocations
		if c.ConnectedAt != nil {
			connected++
		}
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusBusy:
			out.BusyCalls++
		case calls.StatusCanceled:
			out.CanceledCalls++
		case calls.StatusInProgress:
			out.InProgressCalls++
		case calls.StatusCreated, calls.StatusRinging:
			// not counted separately
		}
		if c.EndReason == calls.EndTrialCap || c.EndReason == calls.EndMinutesCap {
			out.CutoffCalls++
		}
	}
	if connected > 0 {
		out.AverageConnectedSeconds = out.TotalConnectedSeconds / connected
	}
	return out
}

func summarizeMinutes(entries []ledger.Entry) MinutesSummary {
	var out MinutesSummary
	for _, e := range entries {
		switch e.BillableType {
		case ledger.TypeTrial:
			out.TrialMinutes += e.BillableMinutes
		case ledger.TypeIncluded:
			out.IncludedMinutes += e.BillableMinutes
		case ledger.TypeOverage:
			out.OverageMinutes += e.BillableMinutes
		case ledger.TypePayg:
			out.PaygMinutes += e.BillableMinutes
		}
		out.TotalMinutes += e.BillableMinutes
		if e.BillableType.Metered() && !e.ReportedToBilling {
			out.UnreportedMinutes += e.BillableMinutes
		}
	}
	return out
}
