package utils

import (
	"context"
	"errors"
	"math"
	"time"
)

// Backoff defines exponential retry delays for outbound network calls.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultBackoff is used by collaborator clients that are not configured explicitly.
var DefaultBackoff = Backoff{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Factor:       2,
}

// Attempts returns the number of attempts, never less than one.
func (b Backoff) Attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}

// Delay returns the wait before the given retry (1-based) with clamping.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = 100 * time.Millisecond
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}

	d := time.Duration(float64(b.InitialDelay) * math.Pow(b.Factor, float64(retry-1)))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if d <= 0 {
		d = b.InitialDelay
	}
	return d
}

// Sleep waits for the retry delay or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, retry int) error {
	t := time.NewTimer(b.Delay(retry))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm permanentError
	return errors.As(err, &perm)
}

// Retry runs fn until it succeeds, returns a Permanent error, or attempts
// run out. The last error is returned unwrapped from Permanent.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= b.Attempts(); attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == b.Attempts() {
			break
		}
		if sleepErr := b.Sleep(ctx, attempt); sleepErr != nil {
			return err
		}
	}
	return err
}
