// Package voice defines the two streaming legs a call bridges: the carrier's
// audio channel and the realtime AI provider's channel.
//
// Audio is 8 kHz mono μ-law (G.711) as delivered by the carrier and is passed
// through unmodified; the provider is configured for g711_ulaw in and out.
package voice

import (
	"context"
	"encoding/json"
	"errors"
)

// Frame is one chunk of μ-law audio.
type Frame []byte

var ErrClosed = errors.New("voice: leg closed")

type CarrierEventType string

const (
	CarrierStart CarrierEventType = "start"
	CarrierMedia CarrierEventType = "media"
	CarrierMark  CarrierEventType = "mark"
	CarrierStop  CarrierEventType = "stop"
)

type CarrierEvent struct {
	Type CarrierEventType

	// Set on start.
	StreamID       string
	ProviderCallID string
	CallSessionID  string
	Token          string

	Frame Frame
	Mark  string
}

// CarrierLeg is the carrier side of a call. Recv returns ErrClosed once the
// carrier has gone away.
type CarrierLeg interface {
	Recv(ctx context.Context) (CarrierEvent, error)
	SendAudio(ctx context.Context, f Frame) error
	// ClearAudio drops whatever the carrier has buffered for playback.
	ClearAudio(ctx context.Context) error
	Close() error
}

type MessageType string

const (
	MsgSessionConfig  MessageType = "session_config"
	MsgAudioAppend    MessageType = "audio_append"
	MsgToolResult     MessageType = "tool_result"
	MsgSystemNote     MessageType = "system_note"
	MsgResponseCreate MessageType = "response_create"
)

// ToolSpec describes one callable tool to the provider.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []ToolSpec
}

type ToolResult struct {
	CallID string
	Output string
}

// ProviderMessage is one outbound message to the provider; only the field
// matching Type is set.
type ProviderMessage struct {
	Type       MessageType
	Session    *SessionConfig
	Audio      Frame
	ToolResult *ToolResult
	Text       string
}

func Configure(c SessionConfig) ProviderMessage {
	return ProviderMessage{Type: MsgSessionConfig, Session: &c}
}

func AudioAppend(f Frame) ProviderMessage {
	return ProviderMessage{Type: MsgAudioAppend, Audio: f}
}

func ToolOutput(callID, output string) ProviderMessage {
	return ProviderMessage{Type: MsgToolResult, ToolResult: &ToolResult{CallID: callID, Output: output}}
}

func SystemNote(text string) ProviderMessage {
	return ProviderMessage{Type: MsgSystemNote, Text: text}
}

func ResponseCreate() ProviderMessage {
	return ProviderMessage{Type: MsgResponseCreate}
}

type EventType string

const (
	EvAudioDelta    EventType = "audio_delta"
	EvSpeechStarted EventType = "speech_started"
	EvSpeechStopped EventType = "speech_stopped"
	EvToolCall      EventType = "tool_call"
	EvResponseDone  EventType = "response_done"
	EvProviderError EventType = "error"
)

type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

type ProviderEvent struct {
	Type     EventType
	Audio    Frame
	ToolCall *ToolCall
	Err      string
}

// ProviderLeg is the realtime AI side of a call.
type ProviderLeg interface {
	Send(ctx context.Context, m ProviderMessage) error
	Recv(ctx context.Context) (ProviderEvent, error)
	Close() error
}
