package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseTwilioInboundCall(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&From=%2B15551234567&To=%2B15557654321")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/carrier/voice", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseTwilioInboundCall(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" {
		t.Fatalf("expected CallSid")
	}
	if form.From != "+15551234567" || form.To != "+15557654321" {
		t.Fatalf("unexpected from/to: %q %q", form.From, form.To)
	}

	in := form.ToInboundCall(time.Unix(1700000000, 0).UTC())
	if in.ProviderCallID != "CA123" {
		t.Fatalf("expected provider call id")
	}
	if in.From == "" || in.To == "" {
		t.Fatalf("expected from/to")
	}
}

func TestParseTwilioStatus(t *testing.T) {
	body := strings.NewReader("CallSid=CA9&CallStatus=No-Answer&CallDuration=0&Timestamp=Mon%2C+02+Mar+2026+12%3A00%3A00+%2B0000")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/carrier/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseTwilioStatus(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := form.ToStatusEvent(now)
	if ev.ProviderCallID != "CA9" {
		t.Fatalf("expected provider call id")
	}
	if ev.Status != StatusNoAnswer {
		t.Fatalf("expected no-answer, got %q", ev.Status)
	}
	if !ev.OccurredAt.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurred_at %v", ev.OccurredAt)
	}

	ev = TwilioStatusForm{CallSid: "CA9", CallStatus: "completed", CallDuration: "42"}.ToStatusEvent(now)
	if ev.DurationSeconds != 42 || !ev.OccurredAt.Equal(now) {
		t.Fatalf("unexpected event %+v", ev)
	}
}
