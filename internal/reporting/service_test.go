package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"carecall/internal/calls"
	"carecall/internal/ledger"
)

func seed(t *testing.T, now time.Time) (*calls.MemoryRepo, *ledger.MemoryRepo) {
	t.Helper()
	ctx := context.Background()
	connected := now.Add(-time.Minute)

	callRepo := calls.NewMemoryRepo()
	for _, s := range []calls.Session{
		{ID: "c1", AccountID: "a1", Direction: calls.DirectionOutbound, Status: calls.StatusCompleted, EndReason: calls.EndHangup, SecondsConnected: 90, ToolInvocations: 2, ConnectedAt: &connected, CreatedAt: now},
		{ID: "c2", AccountID: "a1", Direction: calls.DirectionInbound, Status: calls.StatusCompleted, EndReason: calls.EndTrialCap, SecondsConnected: 30, ConnectedAt: &connected, CreatedAt: now},
		{ID: "c3", AccountID: "a1", Direction: calls.DirectionOutbound, Status: calls.StatusNoAnswer, EndReason: calls.EndNoAnswer, CreatedAt: now},
		{ID: "c4", AccountID: "a2", Direction: calls.DirectionOutbound, Status: calls.StatusCompleted, SecondsConnected: 600, CreatedAt: now},
		{ID: "c5", AccountID: "a1", Direction: calls.DirectionOutbound, Status: calls.StatusCompleted, SecondsConnected: 60, CreatedAt: now.Add(-48 * time.Hour)},
	} {
		if _, _, err := callRepo.Create(ctx, s); err != nil {
			t.Fatalf("seed call: %v", err)
		}
	}

	ledgerRepo := ledger.NewMemoryRepo()
	entries := []ledger.Entry{
		{ID: "e1", AccountID: "a1", CallSessionID: "c1", BillableMinutes: 1, BillableType: ledger.TypeTrial, IdempotencyKey: "c1:1:trial", CreatedAt: now},
		{ID: "e2", AccountID: "a1", CallSessionID: "c1", BillableMinutes: 1, BillableType: ledger.TypeOverage, SubscriptionItemID: "si", IdempotencyKey: "c1:1:overage", CreatedAt: now},
		{ID: "e3", AccountID: "a1", CallSessionID: "c2", BillableMinutes: 1, BillableType: ledger.TypeOverage, SubscriptionItemID: "si", ReportedToBilling: true, IdempotencyKey: "c2:1:overage", CreatedAt: now},
		{ID: "e4", AccountID: "a2", CallSessionID: "c4", BillableMinutes: 10, BillableType: ledger.TypePayg, IdempotencyKey: "c4:1:payg", CreatedAt: now},
	}
	for _, e := range entries {
		err := ledgerRepo.WithAccountLock(ctx, e.AccountID, func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.Insert(ctx, e)
			return err
		})
		if err != nil {
			t.Fatalf("seed entry: %v", err)
		}
	}
	return callRepo, ledgerRepo
}

func TestUsage_ScopedToAccountAndRange(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	callRepo, ledgerRepo := seed(t, now)
	svc := NewService(callRepo, ledgerRepo)

	out, err := svc.Usage(context.Background(), UsageRequest{
		AccountID: "a1",
		Range:     TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Calls.TotalCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", out.Calls.TotalCalls)
	}
	if out.Calls.InboundCalls != 1 || out.Calls.OutboundCalls != 2 {
		t.Fatalf("unexpected direction split: %+v", out.Calls)
	}
	if out.Calls.CompletedCalls != 2 || out.Calls.NoAnswerCalls != 1 {
		t.Fatalf("unexpected status split: %+v", out.Calls)
	}
	if out.Calls.CutoffCalls != 1 {
		t.Fatalf("expected 1 cutoff call, got %d", out.Calls.CutoffCalls)
	}
	if out.Calls.TotalConnectedSeconds != 120 || out.Calls.AverageConnectedSeconds != 60 {
		t.Fatalf("unexpected connected seconds: %+v", out.Calls)
	}
	if out.Calls.ToolInvocations != 2 {
		t.Fatalf("expected 2 tool invocations, got %d", out.Calls.ToolInvocations)
	}
}

func TestUsage_MinutesByType(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	callRepo, ledgerRepo := seed(t, now)
	svc := NewService(callRepo, ledgerRepo)

	out, err := svc.Usage(context.Background(), UsageRequest{
		AccountID: "a1",
		Range:     TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	m := out.Minutes
	if m.TrialMinutes != 1 || m.OverageMinutes != 2 || m.PaygMinutes != 0 || m.TotalMinutes != 3 {
		t.Fatalf("unexpected minutes: %+v", m)
	}
	if m.UnreportedMinutes != 1 {
		t.Fatalf("expected 1 unreported minute, got %d", m.UnreportedMinutes)
	}
}

func TestUsage_RejectsBadRequests(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(calls.NewMemoryRepo(), ledger.NewMemoryRepo())

	cases := []UsageRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{AccountID: "a1", Range: TimeRange{From: now, To: now}},
		{AccountID: "a1", Range: TimeRange{From: now.Add(-400 * 24 * time.Hour), To: now}},
	}
	for _, req := range cases {
		if _, err := svc.Usage(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}
