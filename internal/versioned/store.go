package versioned

import (
	"context"
	"errors"

	"versionedkv/internal/model"
)

// RecordStore is what a backing technology must provide.
//
// CompareAndWrite must be a single atomic operation: it replaces the payload
// and bumps the version only if the stored version still equals expected and
// the record is not a tombstone. It returns ErrVersionMismatch when the version
// moved and ErrNotFound when the record does not exist or is a tombstone.
// Storage failures should be wrapped with Fault.
type RecordStore interface {
	ReadWithVersion(ctx context.Context, id string) (model.Record, error)
	CompareAndWrite(ctx context.Context, id string, expected uint64, payload []byte, tombstone bool) (uint64, error)
	Create(ctx context.Context, id string, payload []byte) (model.Record, error)
}

// MutateFunc computes the next payload from the current one. It must not keep
// or modify the slice it receives. Returning an error aborts the update
// without writing; returning ErrUnchanged skips the write without failing.
type MutateFunc func(payload []byte) ([]byte, error)

// Store runs the optimistic update protocol over a RecordStore.
type Store struct {
	backend RecordStore
}

func NewStore(backend RecordStore) *Store {
	return &Store{backend: backend}
}

// Backend returns the underlying RecordStore.
func (s *Store) Backend() RecordStore {
	return s.backend
}

// Get returns the current record. Tombstones are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	rec, err := s.read(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Create stores a new record at version 1. It fails with ErrAlreadyExists
// if the identifier was ever used, including by a deleted record.
func (s *Store) Create(ctx context.Context, id string, payload []byte) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	rec, err := s.backend.Create(ctx, id, payload)
	if err != nil {
		return model.Record{}, classify("create", id, err)
	}
	return rec, nil
}

// CompareAndSwap replaces the payload only if the record is still at
// expected. It makes a single attempt; a moved version is returned as
// ErrVersionMismatch for the caller to handle.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expected uint64, payload []byte) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	version, err := s.backend.CompareAndWrite(ctx, id, expected, payload, false)
	if err != nil {
		return model.Record{}, classify("compare-and-write", id, err)
	}
	return model.Record{ID: id, Payload: payload, Version: version}, nil
}

// Update applies mutate to the record under optimistic concurrency control.
//
// Each attempt reads a fresh copy of the record, so a mutate function may run
// several times; it should be free of side effects. Only version conflicts are
// retried. After policy.MaxAttempts conflicts a *ConflictError is returned.
func (s *Store) Update(ctx context.Context, id string, mutate MutateFunc, policy RetryPolicy) (model.Record, error) {
	return s.run(ctx, id, policy, func(cur model.Record) ([]byte, bool, error) {
		next, err := mutate(cur.Payload)
		return next, false, err
	})
}

// Delete turns the record into a tombstone. The tombstone takes the next
// version, so readers that raced the delete observe a conflict.
func (s *Store) Delete(ctx context.Context, id string, policy RetryPolicy) (model.Record, error) {
	return s.run(ctx, id, policy, func(model.Record) ([]byte, bool, error) {
		return nil, true, nil
	})
}

type step func(cur model.Record) (payload []byte, tombstone bool, err error)

func (s *Store) run(ctx context.Context, id string, policy RetryPolicy, next step) (model.Record, error) {
	if err := policy.validate(); err != nil {
		return model.Record{}, err
	}

	var lastVersion uint64
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		cur, err := s.read(ctx, id)
		if err != nil {
			return model.Record{}, err
		}
		lastVersion = cur.Version

		payload, tombstone, err := next(cur)
		if errors.Is(err, ErrUnchanged) {
			return cur, nil
		}
		if err != nil {
			return model.Record{}, &AbortError{ID: id, Cause: err}
		}

		version, err := s.backend.CompareAndWrite(ctx, id, cur.Version, payload, tombstone)
		if err == nil {
			return model.Record{ID: id, Payload: payload, Version: version, Deleted: tombstone}, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			return model.Record{}, classify("compare-and-write", id, err)
		}

		DebugLogger.Printf("conflict on %q at version %d (attempt %d/%d)", id, cur.Version, attempt, policy.MaxAttempts)
		if attempt == policy.MaxAttempts {
			break
		}
		if err := policy.wait(ctx, attempt); err != nil {
			return model.Record{}, err
		}
	}

	InfoLogger.Printf("giving up on %q after %d conflicting attempts (last version %d)", id, policy.MaxAttempts, lastVersion)
	return model.Record{}, &ConflictError{ID: id, Attempts: policy.MaxAttempts, LastVersion: lastVersion}
}

func (s *Store) read(ctx context.Context, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	rec, err := s.backend.ReadWithVersion(ctx, id)
	if err != nil {
		return model.Record{}, classify("read", id, err)
	}
	if rec.Deleted {
		return model.Record{}, ErrNotFound
	}
	return rec, nil
}

// classify passes through the errors callers are expected to branch on and
// turns everything else into a store fault.
func classify(op, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrVersionMismatch),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return Fault(op, id, err)
}
