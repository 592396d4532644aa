package versioned

import (
	"context"
	"errors"
	"fmt"
	"time"

	"versionedkv/internal/model"
)

// Locker is a mutual-exclusion service handing out leases that expire on
// their own, so a crashed holder cannot block a key forever.
type Locker interface {
	// Acquire returns a token identifying the lease, or ErrBusy.
	Acquire(ctx context.Context, key string, lease time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// ExclusiveOptions configures UpdateExclusive.
type ExclusiveOptions struct {
	Locker Locker
	Lease  time.Duration
	// AcquirePolicy bounds how many times a busy lease is retried.
	AcquirePolicy RetryPolicy
	// UpdatePolicy bounds the update itself. Writers that do not take the
	// lease can still race, so conflicts stay possible.
	UpdatePolicy RetryPolicy
	// KeyPrefix namespaces lease keys; the record id is appended to it.
	KeyPrefix string
}

// UpdateExclusive runs Update while holding a lease on id. The lease is taken
// before the first read and released on every return path.
func (s *Store) UpdateExclusive(ctx context.Context, id string, mutate MutateFunc, opts ExclusiveOptions) (model.Record, error) {
	if opts.Locker == nil {
		return model.Record{}, errors.New("versioned: exclusive update without a locker")
	}
	if opts.Lease <= 0 {
		return model.Record{}, fmt.Errorf("versioned: invalid lease duration %s", opts.Lease)
	}
	if err := opts.AcquirePolicy.validate(); err != nil {
		return model.Record{}, err
	}

	key := opts.KeyPrefix + id
	token, err := acquire(ctx, opts.Locker, key, opts.Lease, opts.AcquirePolicy)
	if err != nil {
		return model.Record{}, err
	}
	defer func() {
		// release even when ctx was cancelled
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Lease)
		defer cancel()
		if err := opts.Locker.Release(rctx, key, token); err != nil {
			InfoLogger.Printf("releasing lease %q: %v", key, err)
		}
	}()

	return s.Update(ctx, id, mutate, opts.UpdatePolicy)
}

func acquire(ctx context.Context, l Locker, key string, lease time.Duration, policy RetryPolicy) (string, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		token, err := l.Acquire(ctx, key, lease)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrBusy) {
			return "", Fault("acquire", key, err)
		}
		if attempt >= policy.MaxAttempts {
			return "", fmt.Errorf("acquire %q after %d attempts: %w", key, attempt, err)
		}
		if err := policy.wait(ctx, attempt); err != nil {
			return "", err
		}
	}
}
