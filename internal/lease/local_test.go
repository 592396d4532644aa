package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"versionedkv/internal/versioned"
)

func TestLocalAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	token, err := l.Acquire(ctx, "42", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, 1, l.Held())

	_, err = l.Acquire(ctx, "42", time.Minute)
	require.ErrorIs(t, err, versioned.ErrBusy)

	// other keys are independent
	_, err = l.Acquire(ctx, "43", time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, l.Release(ctx, "42", "someone-else"), versioned.ErrLeaseLost)
	require.NoError(t, l.Release(ctx, "42", token))
	require.ErrorIs(t, l.Release(ctx, "42", token), versioned.ErrLeaseLost)
	require.Equal(t, 1, l.Held())
}

func TestLocalLeaseExpires(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Now()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "42", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "42", time.Second)
	require.NoError(t, err, "an expired lease must not block the next holder")
	require.NotEqual(t, stale, fresh)

	// the crashed holder coming back cannot release the new lease
	require.ErrorIs(t, l.Release(ctx, "42", stale), versioned.ErrLeaseLost)
	require.NoError(t, l.Release(ctx, "42", fresh))
	require.Zero(t, l.Held())
}

func TestLocalMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		entered atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				token, err := l.Acquire(ctx, "shared", time.Minute)
				if err != nil {
					time.Sleep(time.Millisecond)
					continue
				}
				if inside.Add(1) != 1 {
					t.Errorf("two holders inside the lease")
				}
				entered.Add(1)
				inside.Add(-1)
				if err := l.Release(ctx, "shared", token); err != nil {
					t.Errorf("release: %v", err)
				}
				return
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(16), entered.Load())
	require.Zero(t, l.Held())
}

func TestLocalAcquireCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal().Acquire(ctx, "42", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
