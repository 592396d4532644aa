// Package backendtest holds the conformance checks every versioned.RecordStore
// implementation runs from its own tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"versionedkv/internal/versioned"
)

// Run exercises rs through the raw RecordStore contract and through
// versioned.Store. rs must be empty.
func Run(t *testing.T, rs versioned.RecordStore) {
	t.Run("CreateAndRead", func(t *testing.T) { createAndRead(t, rs) })
	t.Run("CompareAndWrite", func(t *testing.T) { compareAndWrite(t, rs) })
	t.Run("Tombstone", func(t *testing.T) { tombstone(t, rs) })
	t.Run("OneWinnerPerVersion", func(t *testing.T) { oneWinnerPerVersion(t, rs) })
	t.Run("NoLostUpdates", func(t *testing.T) { noLostUpdates(t, rs) })
}

func createAndRead(t *testing.T, rs versioned.RecordStore) {
	ctx := context.Background()

	_, err := rs.ReadWithVersion(ctx, "missing")
	require.ErrorIs(t, err, versioned.ErrNotFound)

	rec, err := rs.Create(ctx, "create-1", []byte("A"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version)

	got, err := rs.ReadWithVersion(ctx, "create-1")
	require.NoError(t, err)
	require.Equal(t, "create-1", got.ID)
	require.Equal(t, []byte("A"), got.Payload)
	require.Equal(t, uint64(1), got.Version)
	require.False(t, got.Deleted)

	_, err = rs.Create(ctx, "create-1", []byte("again"))
	require.ErrorIs(t, err, versioned.ErrAlreadyExists)
}

func compareAndWrite(t *testing.T, rs versioned.RecordStore) {
	ctx := context.Background()

	_, err := rs.CompareAndWrite(ctx, "cas-missing", 1, []byte("x"), false)
	require.ErrorIs(t, err, versioned.ErrNotFound)

	_, err = rs.Create(ctx, "cas-1", []byte("A"))
	require.NoError(t, err)

	v, err := rs.CompareAndWrite(ctx, "cas-1", 1, []byte("B"), false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	// a writer still holding version 1 loses
	_, err = rs.CompareAndWrite(ctx, "cas-1", 1, []byte("stale"), false)
	require.ErrorIs(t, err, versioned.ErrVersionMismatch)

	got, err := rs.ReadWithVersion(ctx, "cas-1")
	require.NoError(t, err)
	require.Equal(t, []byte("B"), got.Payload)
	require.Equal(t, uint64(2), got.Version)
}

func tombstone(t *testing.T, rs versioned.RecordStore) {
	ctx := context.Background()
	store := versioned.NewStore(rs)

	_, err := store.Create(ctx, "tomb-1", []byte("A"))
	require.NoError(t, err)

	rec, err := store.Delete(ctx, "tomb-1", versioned.Once())
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Version)
	require.True(t, rec.Deleted)

	raw, err := rs.ReadWithVersion(ctx, "tomb-1")
	require.NoError(t, err)
	require.True(t, raw.Deleted)
	require.Equal(t, uint64(2), raw.Version)

	_, err = store.Get(ctx, "tomb-1")
	require.ErrorIs(t, err, versioned.ErrNotFound)

	_, err = rs.CompareAndWrite(ctx, "tomb-1", 2, []byte("zombie"), false)
	require.ErrorIs(t, err, versioned.ErrNotFound)

	_, err = store.Create(ctx, "tomb-1", []byte("B"))
	require.ErrorIs(t, err, versioned.ErrAlreadyExists)
}

func oneWinnerPerVersion(t *testing.T, rs versioned.RecordStore) {
	ctx := context.Background()
	_, err := rs.Create(ctx, "race-1", []byte("start"))
	require.NoError(t, err)

	const writers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := rs.CompareAndWrite(ctx, "race-1", 1, []byte(fmt.Sprintf("w%d", i)), false)
			if err == nil {
				winners.Add(1)
				return
			}
			assert.ErrorIs(t, err, versioned.ErrVersionMismatch)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
	got, err := rs.ReadWithVersion(ctx, "race-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
}

func noLostUpdates(t *testing.T, rs versioned.RecordStore) {
	ctx := context.Background()
	store := versioned.NewStore(rs)

	_, err := store.Create(ctx, "counter", []byte("0"))
	require.NoError(t, err)

	const (
		workers   = 4
		perWorker = 10
	)
	policy := versioned.RetryPolicy{MaxAttempts: 1000}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := store.Update(ctx, "counter", increment, policy)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprint(workers*perWorker), string(got.Payload))
	require.Equal(t, uint64(1+workers*perWorker), got.Version)
}

func increment(payload []byte) ([]byte, error) {
	var n int
	if _, err := fmt.Sscan(string(payload), &n); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprint(n + 1)), nil
}
