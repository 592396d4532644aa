package versioned

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: 10 * time.Millisecond, Max: 80 * time.Millisecond}
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}
	for i, w := range want {
		require.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
	require.Equal(t, 80*time.Millisecond, b.Delay(1000))
}

func TestUncappedExponentialBackoffSaturates(t *testing.T) {
	b := ExponentialBackoff{Base: time.Millisecond}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := b.Delay(attempt)
		require.Positive(t, d, "attempt %d", attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	require.Equal(t, time.Duration(math.MaxInt64), b.Delay(60))

	b.Jitter = true
	require.NotPanics(t, func() { b.Delay(60) })
	require.GreaterOrEqual(t, b.Delay(60), time.Duration(0))
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	b := ExponentialBackoff{Base: time.Millisecond, Max: 16 * time.Millisecond, Jitter: true}
	for attempt := 1; attempt < 10; attempt++ {
		ceiling := ExponentialBackoff{Base: b.Base, Max: b.Max}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestFixedAndNoBackoff(t *testing.T) {
	require.Equal(t, 3*time.Millisecond, FixedBackoff(3*time.Millisecond).Delay(7))
	require.Zero(t, NoBackoff{}.Delay(7))
	require.Zero(t, ExponentialBackoff{}.Delay(3))
}

func TestPolicyValidate(t *testing.T) {
	require.ErrorIs(t, RetryPolicy{MaxAttempts: 0}.validate(), ErrInvalidPolicy)
	require.ErrorIs(t, RetryPolicy{MaxAttempts: -3}.validate(), ErrInvalidPolicy)
	require.NoError(t, Once().validate())
	require.NoError(t, DefaultRetryPolicy().validate())
}

func TestPolicyWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RetryPolicy{MaxAttempts: 2, Backoff: FixedBackoff(time.Minute)}.wait(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)

	require.NoError(t, RetryPolicy{MaxAttempts: 2}.wait(context.Background(), 1))
}
