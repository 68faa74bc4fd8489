package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"carecall/internal/calls"
	"carecall/internal/telephony"
	"carecall/internal/tools"
	"carecall/internal/voice"
)

type fakeCarrierLeg struct {
	events chan voice.CarrierEvent
	closed chan struct{}
	once   sync.Once

	// gate, when set, holds the first SendAudio until it is closed.
	gate    chan struct{}
	sending chan voice.Frame

	mu      sync.Mutex
	sent    []voice.Frame
	cleared int
}

func newFakeCarrierLeg() *fakeCarrierLeg {
	return &fakeCarrierLeg{
		events:  make(chan voice.CarrierEvent, 16),
		closed:  make(chan struct{}),
		sending: make(chan voice.Frame, 16),
	}
}

func (f *fakeCarrierLeg) Recv(ctx context.Context) (voice.CarrierEvent, error) {
	select {
	case <-ctx.Done():
		return voice.CarrierEvent{}, ctx.Err()
	case <-f.closed:
		return voice.CarrierEvent{}, voice.ErrClosed
	case ev := <-f.events:
		return ev, nil
	}
}

func (f *fakeCarrierLeg) SendAudio(_ context.Context, fr voice.Frame) error {
	select {
	case f.sending <- fr:
	default:
	}
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeCarrierLeg) ClearAudio(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeCarrierLeg) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeCarrierLeg) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeCarrierLeg) sentFrames() []voice.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]voice.Frame(nil), f.sent...)
}

func (f *fakeCarrierLeg) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

type fakeProviderLeg struct {
	events chan voice.ProviderEvent
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []voice.ProviderMessage
}

func newFakeProviderLeg() *fakeProviderLeg {
	return &fakeProviderLeg{
		events: make(chan voice.ProviderEvent, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeProviderLeg) Send(_ context.Context, m voice.ProviderMessage) error {
	select {
	case <-f.closed:
		return voice.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeProviderLeg) Recv(ctx context.Context) (voice.ProviderEvent, error) {
	select {
	case <-ctx.Done():
		return voice.ProviderEvent{}, ctx.Err()
	case <-f.closed:
		return voice.ProviderEvent{}, voice.ErrClosed
	case err := <-f.fail:
		return voice.ProviderEvent{}, err
	case ev := <-f.events:
		return ev, nil
	}
}

func (f *fakeProviderLeg) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeProviderLeg) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeProviderLeg) messages() []voice.ProviderMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]voice.ProviderMessage(nil), f.sent...)
}

// toolMessages keeps only the tool output and response.create messages after
// the opening configure/response pair.
func (f *fakeProviderLeg) toolMessages() []voice.ProviderMessage {
	var out []voice.ProviderMessage
	msgs := f.messages()
	if len(msgs) > 2 {
		msgs = msgs[2:]
	} else {
		msgs = nil
	}
	for _, m := range msgs {
		if m.Type == voice.MsgToolResult || m.Type == voice.MsgResponseCreate {
			out = append(out, m)
		}
	}
	return out
}

type fakeInvoker struct {
	mu    sync.Mutex
	delay map[string]time.Duration
	fail  map[string]error
	order []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, inv tools.Invocation) (string, error) {
	f.mu.Lock()
	d := f.delay[inv.CallID]
	err := f.fail[inv.CallID]
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.order = append(f.order, inv.CallID)
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return `{"ok":true,"call":"` + inv.CallID + `"}`, nil
}

type fakeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *fakeCounter) RecordToolInvocation(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *fakeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fakeCalls struct {
	fakeCounter

	mu        sync.Mutex
	sessions  map[string]calls.Session
	finished  []calls.Outcome
	connected int
}

func (f *fakeCalls) Get(_ context.Context, id string) (calls.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return calls.Session{}, calls.ErrNotFound
	}
	return s, nil
}

func (f *fakeCalls) MarkConnected(_ context.Context, id string, at time.Time) (calls.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	f.connected++
	if s.Status == calls.StatusRinging {
		s.Status = calls.StatusInProgress
		s.ConnectedAt = &at
		f.sessions[id] = s
	}
	return s, nil
}

func (f *fakeCalls) Finish(_ context.Context, id string, out calls.Outcome) (calls.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.Status.Terminal() {
		return s, false, nil
	}
	s.Status = out.Status
	s.EndReason = out.Reason
	f.sessions[id] = s
	f.finished = append(f.finished, out)
	return s, true, nil
}

func (f *fakeCalls) outcomes() []calls.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calls.Outcome(nil), f.finished...)
}

type fakeDialer struct {
	leg *fakeProviderLeg
	err error
}

func (d *fakeDialer) Dial(context.Context) (voice.ProviderLeg, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.leg, nil
}

type fakeTelephony struct {
	mu        sync.Mutex
	announced []string
}

func (f *fakeTelephony) PlaceOutboundCall(context.Context, telephony.OutboundCallRequest) (telephony.OutboundCallResult, error) {
	return telephony.OutboundCallResult{}, errors.New("not used")
}

func (f *fakeTelephony) Announce(_ context.Context, providerCallID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, providerCallID)
	return nil
}

func (f *fakeTelephony) Hangup(context.Context, string) error { return nil }
