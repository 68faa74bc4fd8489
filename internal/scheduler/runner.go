// Package scheduler drives periodic, lease-protected ticks that turn due
// schedule rules and reminders into placed calls.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"carecall/pkg/logger"
)

// Runner calls tickFn immediately on Start and then every interval until Stop.
type Runner struct {
	interval time.Duration
	tickFn   func(context.Context)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(interval time.Duration, tickFn func(context.Context)) (*Runner, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Runner{
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

// Start runs ticks with a context derived from parent, so request-scoped
// values such as the logger carry through; cancelling parent also stops it.
func (r *Runner) Start(parent context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		log := logger.From(ctx)
		log.Info("scheduler started", "interval", r.interval.String())

		r.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info("scheduler stopping")
				return
			case <-ticker.C:
				r.safeTick(ctx)
			}
		}
	}()

	return true
}

func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return false
	}

	r.cancel()
	<-r.done
	r.running.Store(false)
	return true
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

func (r *Runner) safeTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			logger.From(ctx).Error("scheduler tick panic recovered", "panic", p)
		}
	}()

	start := time.Now()
	r.tickFn(ctx)
	logger.From(ctx).Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
