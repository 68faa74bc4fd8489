package scheduler

import (
	"time"

	"carecall/internal/accounts"
	"carecall/internal/ledger"
	"carecall/internal/schedules"
)

// Decision is whether a due item may be called right now and, if not, what
// its occurrence is recorded as.
type Decision struct {
	Eligible bool
	Result   schedules.Result
	Reason   string
}

// Evaluate applies the call policy to one due occurrence firing at at.
func Evaluate(line accounts.Line, allowance ledger.Allowance, at time.Time) Decision {
	if line.OptedOut {
		return Decision{Result: schedules.ResultMissed, Reason: "opted_out"}
	}
	quiet, err := line.InQuietHours(at)
	if err != nil {
		return Decision{Result: schedules.ResultFailed, Reason: "bad_quiet_hours"}
	}
	if quiet {
		return Decision{Result: schedules.ResultSuppressedQuietHours, Reason: "quiet_hours"}
	}
	if !allowance.CanCall {
		return Decision{Result: schedules.ResultMissed, Reason: "no_allowance"}
	}
	return Decision{Eligible: true}
}

// retryAt returns when the next attempt of an occurrence should run, or
// false once retries are exhausted or would leave the retry window.
func retryAt(p schedules.RetryPolicy, occurrenceAt, now time.Time, retryCount int) (time.Time, bool) {
	if retryCount > p.MaxRetries {
		return time.Time{}, false
	}
	next := now.Add(p.Spacing())
	if next.After(occurrenceAt.Add(p.Window())) {
		return time.Time{}, false
	}
	return next, true
}
