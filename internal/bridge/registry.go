package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"carecall/internal/calls"
)

var ErrAlreadyRegistered = errors.New("bridge: session already registered")

type controlKind int

const (
	controlWrapUp controlKind = iota
	controlForceClose
)

type control struct {
	kind   controlKind
	text   string
	reason calls.EndReason
}

// Handle is the out-of-band control surface of one live session. It carries
// no audio.
type Handle struct {
	sessionID string
	ctrl      chan control
	done      chan struct{}
	doneOnce  sync.Once
}

func newHandle(sessionID string) *Handle {
	return &Handle{
		sessionID: sessionID,
		ctrl:      make(chan control, 4),
		done:      make(chan struct{}),
	}
}

func (h *Handle) SessionID() string { return h.sessionID }

// WrapUp asks the model to close the conversation. It reports false when the
// session has ended or its control queue is full.
func (h *Handle) WrapUp(text string) bool {
	return h.post(control{kind: controlWrapUp, text: text})
}

func (h *Handle) ForceClose(reason calls.EndReason) bool {
	return h.post(control{kind: controlForceClose, reason: reason})
}

func (h *Handle) post(c control) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ctrl <- c:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

func (h *Handle) close() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Registry maps call session ids to live session handles.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Handle)}
}

func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[h.sessionID]; ok {
		return ErrAlreadyRegistered
	}
	r.sessions[h.sessionID] = h
	return nil
}

func (r *Registry) Lookup(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[sessionID]
	return h, ok
}

// Remove drops h if it is still the registered handle for its session.
func (r *Registry) Remove(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.sessions[h.sessionID]; ok && cur == h {
		delete(r.sessions, h.sessionID)
	}
	r.mu.Unlock()
	h.close()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

// Drain asks every live session to wrap up and waits for them to end. Sessions
// still running when ctx is done are force-closed; Drain returns how many.
func (r *Registry) Drain(ctx context.Context, text string) int {
	for _, h := range r.handles() {
		h.WrapUp(text)
	}
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for r.Len() > 0 {
		select {
		case <-ctx.Done():
			left := r.handles()
			for _, h := range left {
				h.ForceClose(calls.EndHangup)
			}
			return len(left)
		case <-tick.C:
		}
	}
	return 0
}
