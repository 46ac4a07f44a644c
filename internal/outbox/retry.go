package outbox

import (
	"fmt"
	"math/rand"
	"time"
)

// PermanentError marks a handler failure that retrying cannot fix
// (malformed payload, violated business rule). The processor fails the
// event immediately without burning the remaining retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the processor treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryableError signals that processing failed but the event is still
// pending with retry budget left. Attempt is the event's committed
// attempts counter, the single source of truth for backoff.
type RetryableError struct {
	Attempt int
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("attempt %d failed: %v", e.Attempt, e.Err)
}
func (e *RetryableError) Unwrap() error { return e.Err }

// RetryPolicy shapes the delay between processing attempts. It keeps no
// counter of its own; the event row's attempts field drives it.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy matches the shipped config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Delay returns the backoff before re-invoking the processor after the
// given attempt: exponential from BaseDelay, capped at MaxDelay, with
// ±20% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	wait := d + jitter
	if wait < p.BaseDelay {
		wait = p.BaseDelay
	}
	return wait
}
