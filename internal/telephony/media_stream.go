package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"carecall/internal/voice"
)

// Stream parameter names carried in the connect-stream instruction.
const (
	ParamToken         = "token"
	ParamCallSessionID = "call_session_id"
)

type streamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
}

type streamStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamRead struct {
	ev  voice.CarrierEvent
	err error
}

// MediaStream adapts a carrier media-stream websocket to voice.CarrierLeg.
// One goroutine reads; writes are serialized.
type MediaStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	streamSid string

	events    chan streamRead
	done      chan struct{}
	closeOnce sync.Once
}

func NewMediaStream(conn *websocket.Conn, writeTimeout time.Duration) *MediaStream {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	s := &MediaStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		events:       make(chan streamRead, 64),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *MediaStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = voice.ErrClosed
			}
			select {
			case s.events <- streamRead{err: err}:
			case <-s.done:
			}
			return
		}

		ev, ok, err := s.decode(data)
		if err != nil || !ok {
			// malformed or uninteresting frames are skipped
			continue
		}
		select {
		case s.events <- streamRead{ev: ev}:
		case <-s.done:
			return
		}
	}
}

func (s *MediaStream) decode(data []byte) (voice.CarrierEvent, bool, error) {
	var m streamMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return voice.CarrierEvent{}, false, err
	}
	switch m.Event {
	case "start":
		if m.Start == nil {
			return voice.CarrierEvent{}, false, errors.New("telephony: start without payload")
		}
		sid := m.Start.StreamSid
		if sid == "" {
			sid = m.StreamSid
		}
		s.writeMu.Lock()
		s.streamSid = sid
		s.writeMu.Unlock()
		return voice.CarrierEvent{
			Type:           voice.CarrierStart,
			StreamID:       sid,
			ProviderCallID: m.Start.CallSid,
			CallSessionID:  m.Start.CustomParameters[ParamCallSessionID],
			Token:          m.Start.CustomParameters[ParamToken],
		}, true, nil
	case "media":
		if m.Media == nil {
			return voice.CarrierEvent{}, false, nil
		}
		f, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil {
			return voice.CarrierEvent{}, false, err
		}
		return voice.CarrierEvent{Type: voice.CarrierMedia, Frame: f}, true, nil
	case "mark":
		name := ""
		if m.Mark != nil {
			name = m.Mark.Name
		}
		return voice.CarrierEvent{Type: voice.CarrierMark, Mark: name}, true, nil
	case "stop":
		return voice.CarrierEvent{Type: voice.CarrierStop}, true, nil
	default:
		return voice.CarrierEvent{}, false, nil
	}
}

func (s *MediaStream) Recv(ctx context.Context) (voice.CarrierEvent, error) {
	select {
	case <-ctx.Done():
		return voice.CarrierEvent{}, ctx.Err()
	case r, ok := <-s.events:
		if !ok {
			return voice.CarrierEvent{}, voice.ErrClosed
		}
		return r.ev, r.err
	}
}

func (s *MediaStream) SendAudio(_ context.Context, f voice.Frame) error {
	return s.write(func(sid string) any {
		return streamMessage{
			Event:     "media",
			StreamSid: sid,
			Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(f)},
		}
	})
}

func (s *MediaStream) ClearAudio(_ context.Context) error {
	return s.write(func(sid string) any {
		return streamMessage{Event: "clear", StreamSid: sid}
	})
}

// SendMark asks the carrier to echo name once preceding audio has played.
func (s *MediaStream) SendMark(_ context.Context, name string) error {
	return s.write(func(sid string) any {
		return streamMessage{Event: "mark", StreamSid: sid, Mark: &streamMark{Name: name}}
	})
}

func (s *MediaStream) write(build func(streamSid string) any) error {
	select {
	case <-s.done:
		return voice.ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.streamSid == "" {
		return errors.New("telephony: stream not started")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(build(s.streamSid))
}

func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
