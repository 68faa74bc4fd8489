// Package realtime is the websocket client for the realtime AI provider.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"carecall/internal/voice"
)

const audioFormat = "g711_ulaw"

type Config struct {
	URL          string
	APIKey       string
	Model        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dialer opens provider legs.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Dialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

func (d *Dialer) Dial(ctx context.Context) (voice.ProviderLeg, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: bad url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+d.cfg.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := d.dialer.DialContext(dialCtx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return NewLeg(conn, d.cfg.WriteTimeout), nil
}

type read struct {
	ev  voice.ProviderEvent
	err error
}

// Leg adapts a provider websocket to voice.ProviderLeg.
type Leg struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	events    chan read
	done      chan struct{}
	closeOnce sync.Once
}

func NewLeg(conn *websocket.Conn, writeTimeout time.Duration) *Leg {
	l := &Leg{
		conn:         conn,
		writeTimeout: writeTimeout,
		events:       make(chan read, 64),
		done:         make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Leg) readLoop() {
	defer close(l.events)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = voice.ErrClosed
			}
			select {
			case l.events <- read{err: err}:
			case <-l.done:
			}
			return
		}
		ev, ok := decodeEvent(data)
		if !ok {
			continue
		}
		select {
		case l.events <- read{ev: ev}:
		case <-l.done:
			return
		}
	}
}

func (l *Leg) Recv(ctx context.Context) (voice.ProviderEvent, error) {
	select {
	case <-ctx.Done():
		return voice.ProviderEvent{}, ctx.Err()
	case r, ok := <-l.events:
		if !ok {
			return voice.ProviderEvent{}, voice.ErrClosed
		}
		return r.ev, r.err
	}
}

func (l *Leg) Send(_ context.Context, m voice.ProviderMessage) error {
	payload, err := encodeMessage(m)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return voice.ErrClosed
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

func (l *Leg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

type sessionTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func encodeMessage(m voice.ProviderMessage) ([]byte, error) {
	var v map[string]any
	switch m.Type {
	case voice.MsgSessionConfig:
		if m.Session == nil {
			return nil, errors.New("realtime: session config missing")
		}
		tools := make([]sessionTool, 0, len(m.Session.Tools))
		for _, t := range m.Session.Tools {
			tools = append(tools, sessionTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		v = map[string]any{
			"type": "session.update",
			"session": map[string]any{
				"instructions":        m.Session.Instructions,
				"voice":               m.Session.Voice,
				"modalities":          []string{"audio", "text"},
				"input_audio_format":  audioFormat,
				"output_audio_format": audioFormat,
				"turn_detection":      map[string]any{"type": "server_vad"},
				"tools":               tools,
				"tool_choice":         "auto",
			},
		}
	case voice.MsgAudioAppend:
		v = map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": base64.StdEncoding.EncodeToString(m.Audio),
		}
	case voice.MsgToolResult:
		if m.ToolResult == nil {
			return nil, errors.New("realtime: tool result missing")
		}
		v = map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolResult.CallID,
				"output":  m.ToolResult.Output,
			},
		}
	case voice.MsgSystemNote:
		v = map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "message",
				"role":    "system",
				"content": []contentPart{{Type: "input_text", Text: m.Text}},
			},
		}
	case voice.MsgResponseCreate:
		v = map[string]any{"type": "response.create"}
	default:
		return nil, fmt.Errorf("realtime: unknown message type %q", m.Type)
	}
	return json.Marshal(v)
}

type serverEvent struct {
	Type      string `json:"type"`
	Delta     string `json:"delta"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEvent(data []byte) (voice.ProviderEvent, bool) {
	var e serverEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return voice.ProviderEvent{}, false
	}
	switch e.Type {
	case "response.audio.delta", "response.output_audio.delta":
		f, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			return voice.ProviderEvent{}, false
		}
		return voice.ProviderEvent{Type: voice.EvAudioDelta, Audio: f}, true
	case "input_audio_buffer.speech_started":
		return voice.ProviderEvent{Type: voice.EvSpeechStarted}, true
	case "input_audio_buffer.speech_stopped":
		return voice.ProviderEvent{Type: voice.EvSpeechStopped}, true
	case "response.function_call_arguments.done":
		return voice.ProviderEvent{Type: voice.EvToolCall, ToolCall: &voice.ToolCall{
			CallID:    e.CallID,
			Name:      e.Name,
			Arguments: e.Arguments,
		}}, true
	case "response.done":
		return voice.ProviderEvent{Type: voice.EvResponseDone}, true
	case "error":
		msg := "provider error"
		if e.Error != nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return voice.ProviderEvent{Type: voice.EvProviderError, Err: msg}, true
	default:
		return voice.ProviderEvent{}, false
	}
}
