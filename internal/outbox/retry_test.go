package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	// With ±20% jitter each delay stays within a band around the
	// exponential target.
	for attempt, target := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	} {
		for i := 0; i < 20; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(target)*0.8), "attempt %d", attempt)
			assert.LessOrEqual(t, d, time.Duration(float64(target)*1.2), "attempt %d", attempt)
		}
	}
}

func TestRetryPolicy_FloorsAtBaseDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, p.Delay(0), p.BaseDelay)
	}
}

func TestPermanentError_Unwraps(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)

	var perm *PermanentError
	assert.ErrorAs(t, err, &perm)
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Permanent(nil))
}

func TestRetryableError_Unwraps(t *testing.T) {
	base := errors.New("downstream")
	err := &RetryableError{Attempt: 2, Err: base}
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "attempt 2")
}
