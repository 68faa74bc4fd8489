package telephony

import (
	"context"
	"errors"
	"time"
)

// Carrier is the provider-agnostic call-control surface used by business logic.
//
// Rules:
// - No provider REST calls outside telephony adapters.
// - Request/response types stay provider-agnostic.
type Carrier interface {
	PlaceOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error)
	// Announce replaces the live call's instructions with a spoken message and a hangup.
	Announce(ctx context.Context, providerCallID, message string) error
	Hangup(ctx context.Context, providerCallID string) error
}

type OutboundCallRequest struct {
	// To and From are E.164.
	To   string `json:"to"`
	From string `json:"from"`

	// AnswerURL returns the call instructions once the callee picks up.
	AnswerURL         string `json:"answer_url"`
	StatusCallbackURL string `json:"status_callback_url,omitempty"`

	// RingTimeout bounds how long the carrier lets the phone ring.
	RingTimeout time.Duration `json:"ring_timeout,omitempty"`
}

type OutboundCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"`
}

// CallStatus is the carrier's normalized view of a call leg.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
)

// StatusEvent is one status callback from the carrier.
type StatusEvent struct {
	ProviderCallID  string     `json:"provider_call_id"`
	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// InboundCall is an inbound call event received from the carrier.
type InboundCall struct {
	ProviderCallID string    `json:"provider_call_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CallInstruction tells the carrier what to do with an answered call.
type CallInstruction struct {
	Action CallAction `json:"action"`

	// StreamURL and Parameters are used when Action == "connect_stream".
	StreamURL  string            `json:"stream_url,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`

	// Message is spoken when Action == "say_hangup".
	Message string `json:"message,omitempty"`
}

type CallAction string

const (
	ActionReject        CallAction = "reject"
	ActionConnectStream CallAction = "connect_stream"
	ActionSayHangup     CallAction = "say_hangup"
)

var (
	ErrNotConfigured   = errors.New("telephony: carrier not configured")
	ErrInvalidArgument = errors.New("telephony: invalid argument")
)
