package versioned

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Backoff decides how long to wait before the given retry. attempt is the
// number of attempts already made, so the first call receives 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// NoBackoff retries immediately.
type NoBackoff struct{}

func (NoBackoff) Delay(int) time.Duration { return 0 }

// FixedBackoff waits the same duration between every attempt.
type FixedBackoff time.Duration

func (f FixedBackoff) Delay(int) time.Duration { return time.Duration(f) }

// ExponentialBackoff doubles Base after every attempt, capped at Max.
// With Jitter set the delay is drawn uniformly from [0, computed delay].
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if e.Base <= 0 || attempt < 1 {
		return 0
	}
	d := e.Base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if e.Max > 0 && d >= e.Max {
			break
		}
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter {
		n := int64(d)
		if n < math.MaxInt64 {
			n++
		}
		d = time.Duration(rand.Int63n(n))
	}
	return d
}

// RetryPolicy bounds how many times a conflicting update is attempted.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryPolicy is a reasonable policy for moderately contended records.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: ExponentialBackoff{
			Base:   5 * time.Millisecond,
			Max:    250 * time.Millisecond,
			Jitter: true,
		},
	}
}

// Once makes a single attempt; a conflict is reported straight away.
func Once() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	return nil
}

// wait sleeps for the policy's delay after attempt, or until ctx is done.
func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff.Delay(attempt)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
