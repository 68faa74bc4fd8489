package telephony

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TwilioInboundForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type TwilioInboundForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseTwilioInboundCall(r *http.Request) (TwilioInboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioInboundForm{}, err
	}
	return TwilioInboundForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		CallerName: r.PostFormValue("CallerName"),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

func (f TwilioInboundForm) ToInboundCall(occurredAt time.Time) InboundCall {
	return InboundCall{
		ProviderCallID: f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
	}
}

// TwilioStatusForm is the status callback payload.
type TwilioStatusForm struct {
	CallSid        string
	CallStatus     string
	CallDuration   string
	Timestamp      string
	SequenceNumber string
}

func ParseTwilioStatus(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	return TwilioStatusForm{
		CallSid:        r.PostFormValue("CallSid"),
		CallStatus:     r.PostFormValue("CallStatus"),
		CallDuration:   r.PostFormValue("CallDuration"),
		Timestamp:      r.PostFormValue("Timestamp"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
	}, nil
}

// ToStatusEvent falls back to now when Timestamp is missing or malformed.
func (f TwilioStatusForm) ToStatusEvent(now time.Time) StatusEvent {
	ev := StatusEvent{
		ProviderCallID: f.CallSid,
		Status:         CallStatus(strings.ToLower(strings.TrimSpace(f.CallStatus))),
		OccurredAt:     now,
	}
	if d, err := strconv.Atoi(f.CallDuration); err == nil && d > 0 {
		ev.DurationSeconds = d
	}
	if f.Timestamp != "" {
		if ts, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
			ev.OccurredAt = ts
		}
	}
	return ev
}
