package bridge

import (
	"context"
	"sync"

	"carecall/internal/voice"
)

// Playback queues provider audio for the carrier. Flush discards everything
// queued and guarantees that no frame dequeued before the flush reaches the
// carrier afterwards.
type Playback struct {
	mu    sync.Mutex
	queue []voice.Frame
	gen   uint64

	// sendMu is held across the generation check and the carrier write.
	sendMu sync.Mutex
	wake   chan struct{}
}

func NewPlayback() *Playback {
	return &Playback{wake: make(chan struct{}, 1)}
}

func (p *Playback) Enqueue(f voice.Frame) {
	if len(f) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, f)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush drops queued frames and returns how many were dropped. It returns
// only after any write already in flight has finished.
func (p *Playback) Flush() int {
	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.gen++
	p.mu.Unlock()

	// wait out a write that passed its generation check before the bump
	p.sendMu.Lock()
	p.sendMu.Unlock()
	return n
}

func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Playback) next() (voice.Frame, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, p.gen, false
	}
	f := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return f, p.gen, true
}

func (p *Playback) current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Run writes queued frames to the carrier until ctx is done or a write fails.
func (p *Playback) Run(ctx context.Context, carrier voice.CarrierLeg) error {
	for {
		f, gen, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := p.send(ctx, carrier, f, gen); err != nil {
			return err
		}
	}
}

func (p *Playback) send(ctx context.Context, carrier voice.CarrierLeg, f voice.Frame, gen uint64) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.current() != gen {
		return nil
	}
	return carrier.SendAudio(ctx, f)
}
