package versioned_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"versionedkv/internal/backend/memory"
	"versionedkv/internal/model"
	"versionedkv/internal/versioned"
)

// hookedStore counts calls and can run a function right before each
// conditional write, which is where a competing writer would slip in.
type hookedStore struct {
	versioned.RecordStore
	reads       atomic.Int32
	writes      atomic.Int32
	beforeWrite func(id string, expected uint64)
	readErr     error
	writeErr    error
}

func (h *hookedStore) ReadWithVersion(ctx context.Context, id string) (model.Record, error) {
	h.reads.Add(1)
	if h.readErr != nil {
		return model.Record{}, h.readErr
	}
	return h.RecordStore.ReadWithVersion(ctx, id)
}

func (h *hookedStore) CompareAndWrite(ctx context.Context, id string, expected uint64, payload []byte, tombstone bool) (uint64, error) {
	h.writes.Add(1)
	if h.beforeWrite != nil {
		h.beforeWrite(id, expected)
	}
	if h.writeErr != nil {
		return 0, h.writeErr
	}
	return h.RecordStore.CompareAndWrite(ctx, id, expected, payload, tombstone)
}

func setValue(v string) versioned.MutateFunc {
	return func([]byte) ([]byte, error) { return []byte(v), nil }
}

func appendValue(suffix string) versioned.MutateFunc {
	return func(p []byte) ([]byte, error) {
		out := make([]byte, 0, len(p)+len(suffix))
		return append(append(out, p...), suffix...), nil
	}
}

func TestConcurrentWritersScenario(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewStore()
	x := versioned.NewStore(backend)
	_, err := x.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)

	// Y reads (A,1); before its write lands, X commits B.
	var once sync.Once
	hooked := &hookedStore{RecordStore: backend}
	hooked.beforeWrite = func(id string, expected uint64) {
		once.Do(func() {
			rec, err := x.Update(ctx, id, setValue("B"), versioned.Once())
			require.NoError(t, err)
			require.Equal(t, uint64(2), rec.Version)
		})
	}
	y := versioned.NewStore(hooked)

	rec, err := y.Update(ctx, "42", appendValue("+suffix"), versioned.RetryPolicy{MaxAttempts: 3})
	require.NoError(t, err)
	require.Equal(t, []byte("B+suffix"), rec.Payload)
	require.Equal(t, uint64(3), rec.Version)
	require.Equal(t, int32(2), hooked.reads.Load())
	require.Equal(t, int32(2), hooked.writes.Load())

	got, err := x.Get(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, []byte("B+suffix"), got.Payload)
	require.Equal(t, uint64(3), got.Version)
}

func TestRetryBoundRespected(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewStore()
	_, err := backend.Create(ctx, "hot", []byte("0"))
	require.NoError(t, err)

	// an adversary that always commits first
	hooked := &hookedStore{RecordStore: backend}
	hooked.beforeWrite = func(id string, expected uint64) {
		_, err := backend.CompareAndWrite(ctx, id, expected, []byte("adversary"), false)
		require.NoError(t, err)
	}
	store := versioned.NewStore(hooked)

	const k = 4
	_, err = store.Update(ctx, "hot", setValue("mine"), versioned.RetryPolicy{MaxAttempts: k})
	require.ErrorIs(t, err, versioned.ErrConflictExhausted)

	var ce *versioned.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, k, ce.Attempts)
	require.Equal(t, "hot", ce.ID)
	// the last attempt read version k before the adversary bumped it to k+1
	require.Equal(t, uint64(k), ce.LastVersion)
	require.Equal(t, int32(k), hooked.writes.Load())
	require.Equal(t, int32(k), hooked.reads.Load())
}

func TestAbortShortCircuits(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewStore()
	_, err := backend.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)
	hooked := &hookedStore{RecordStore: backend}
	store := versioned.NewStore(hooked)

	rejected := errors.New("insufficient balance")
	calls := 0
	_, err = store.Update(ctx, "42", func([]byte) ([]byte, error) {
		calls++
		return nil, rejected
	}, versioned.RetryPolicy{MaxAttempts: 5})

	require.ErrorIs(t, err, versioned.ErrMutationAborted)
	require.ErrorIs(t, err, rejected)
	require.Equal(t, 1, calls)
	require.Equal(t, int32(1), hooked.reads.Load())
	require.Equal(t, int32(0), hooked.writes.Load())

	rec, err := store.Get(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version)
}

func TestUnchangedSkipsWrite(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewStore()
	_, err := backend.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)
	hooked := &hookedStore{RecordStore: backend}
	store := versioned.NewStore(hooked)

	rec, err := store.Update(ctx, "42", func([]byte) ([]byte, error) {
		return nil, versioned.ErrUnchanged
	}, versioned.Once())
	require.NoError(t, err)
	require.Equal(t, []byte("A"), rec.Payload)
	require.Equal(t, uint64(1), rec.Version)
	require.Equal(t, int32(0), hooked.writes.Load())
}

func TestNotFoundIsNotRetried(t *testing.T) {
	hooked := &hookedStore{RecordStore: memory.NewStore()}
	store := versioned.NewStore(hooked)

	_, err := store.Update(context.Background(), "nope", setValue("x"), versioned.RetryPolicy{MaxAttempts: 5})
	require.ErrorIs(t, err, versioned.ErrNotFound)
	require.Equal(t, int32(1), hooked.reads.Load())
	require.Equal(t, int32(0), hooked.writes.Load())
}

func TestStoreFaultIsNotRetried(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewStore()
	_, err := backend.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)

	cause := errors.New("connection reset")
	hooked := &hookedStore{RecordStore: backend, writeErr: cause}
	store := versioned.NewStore(hooked)

	_, err = store.Update(ctx, "42", setValue("B"), versioned.RetryPolicy{MaxAttempts: 5})
	require.ErrorIs(t, err, versioned.ErrStoreFault)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, versioned.ErrConflictExhausted)
	require.Equal(t, int32(1), hooked.writes.Load())

	var fe *versioned.FaultError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "compare-and-write", fe.Op)

	hooked.readErr = cause
	_, err = store.Get(ctx, "42")
	require.ErrorIs(t, err, versioned.ErrStoreFault)
}

func TestVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	store := versioned.NewStore(memory.NewStore())
	rec, err := store.Create(ctx, "m", []byte(""))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version)

	last := rec.Version
	for i := 0; i < 20; i++ {
		rec, err = store.Update(ctx, "m", appendValue("."), versioned.Once())
		require.NoError(t, err)
		require.Equal(t, last+1, rec.Version)
		last = rec.Version
	}

	rec, err = store.Delete(ctx, "m", versioned.Once())
	require.NoError(t, err)
	require.Equal(t, last+1, rec.Version)

	_, err = store.Update(ctx, "m", appendValue("."), versioned.Once())
	require.ErrorIs(t, err, versioned.ErrNotFound)
}

func TestConcurrentUpdatesSerializeByVersion(t *testing.T) {
	ctx := context.Background()
	store := versioned.NewStore(memory.NewStore())
	_, err := store.Create(ctx, "log", []byte{})
	require.NoError(t, err)

	const writers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = map[uint64]byte{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			rec, err := store.Update(ctx, "log", func(p []byte) ([]byte, error) {
				return append(append([]byte{}, p...), b), nil
			}, versioned.RetryPolicy{MaxAttempts: 1000, Backoff: versioned.ExponentialBackoff{
				Base: time.Microsecond, Max: time.Millisecond, Jitter: true,
			}})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := versions[rec.Version]
			assert.False(t, dup, "version %d granted twice", rec.Version)
			versions[rec.Version] = b
		}(byte('a' + i))
	}
	wg.Wait()

	final, err := store.Get(ctx, "log")
	require.NoError(t, err)
	require.Equal(t, uint64(1+writers), final.Version)
	require.Len(t, final.Payload, writers)
	// the payload is the writers in the order their versions were granted
	for v := uint64(2); v <= final.Version; v++ {
		require.Equal(t, versions[v], final.Payload[v-2])
	}
}

func TestCancelBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := memory.NewStore()
	_, err := backend.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)

	hooked := &hookedStore{RecordStore: backend}
	hooked.beforeWrite = func(id string, expected uint64) {
		_, _ = backend.CompareAndWrite(context.Background(), id, expected, []byte("other"), false)
		cancel()
	}
	store := versioned.NewStore(hooked)

	_, err = store.Update(ctx, "42", setValue("mine"), versioned.RetryPolicy{
		MaxAttempts: 10,
		Backoff:     versioned.FixedBackoff(time.Hour),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), hooked.writes.Load())

	rec, err := backend.ReadWithVersion(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, []byte("other"), rec.Payload)
}

func TestInvalidPolicy(t *testing.T) {
	store := versioned.NewStore(memory.NewStore())
	_, err := store.Update(context.Background(), "42", setValue("x"), versioned.RetryPolicy{})
	require.ErrorIs(t, err, versioned.ErrInvalidPolicy)
}

func TestCreateTwice(t *testing.T) {
	ctx := context.Background()
	store := versioned.NewStore(memory.NewStore())
	_, err := store.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)
	_, err = store.Create(ctx, "42", []byte("B"))
	require.ErrorIs(t, err, versioned.ErrAlreadyExists)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := versioned.NewStore(memory.NewStore())
	_, err := store.Create(ctx, "42", []byte("A"))
	require.NoError(t, err)

	rec, err := store.CompareAndSwap(ctx, "42", 1, []byte("B"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Version)

	_, err = store.CompareAndSwap(ctx, "42", 1, []byte("C"))
	require.ErrorIs(t, err, versioned.ErrVersionMismatch)

	_, err = store.CompareAndSwap(ctx, "missing", 1, []byte("C"))
	require.ErrorIs(t, err, versioned.ErrNotFound)

	got, err := store.Get(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, []byte("B"), got.Payload)
}
