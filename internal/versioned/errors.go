package versioned

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionMismatch is returned by RecordStore.CompareAndWrite when the
	// stored version moved past the expected one. Store absorbs it by retrying.
	ErrVersionMismatch = errors.New("version mismatch")

	ErrConflictExhausted = errors.New("update conflict: retries exhausted")
	ErrMutationAborted   = errors.New("mutation aborted")
	ErrStoreFault        = errors.New("store fault")
	ErrInvalidPolicy     = errors.New("invalid retry policy")

	// ErrBusy is returned by Locker.Acquire while another holder owns the lease.
	ErrBusy = errors.New("lock busy")

	// ErrLeaseLost is returned by Locker.Release when the token no longer owns
	// the lease, usually because it expired.
	ErrLeaseLost = errors.New("lease lost")

	// ErrUnchanged may be returned by a MutateFunc to skip the write. Update
	// then returns the current record and a nil error.
	ErrUnchanged = errors.New("unchanged")
)

// ConflictError reports that every attempt of an update lost the race.
type ConflictError struct {
	ID          string
	Attempts    int
	LastVersion uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("update %q: %d attempts conflicted, last seen version %d", e.ID, e.Attempts, e.LastVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictExhausted
}

// AbortError wraps the error a MutateFunc returned to decline the update.
type AbortError struct {
	ID    string
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("update %q aborted: %v", e.ID, e.Cause)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrMutationAborted
}

func (e *AbortError) Unwrap() error { return e.Cause }

// FaultError is a failure of the backing store itself.
type FaultError struct {
	Op  string
	ID  string
	Err error
}

func (e *FaultError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store fault on %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store fault on %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *FaultError) Is(target error) bool {
	return target == ErrStoreFault
}

func (e *FaultError) Unwrap() error { return e.Err }

// Fault wraps err as a store fault. It returns nil for a nil err and leaves
// errors that are already faults untouched.
func Fault(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FaultError
	if errors.As(err, &fe) {
		return err
	}
	return &FaultError{Op: op, ID: id, Err: err}
}
