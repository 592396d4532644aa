package badger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"versionedkv/internal/versioned"
)

var _ versioned.Locker = (*Lease)(nil)

// Lease hands out leases stored as badger entries with a TTL, so a holder
// that dies simply lets its entry expire. Badger expiry has one-second
// resolution; shorter leases are rounded up to a second.
type Lease struct {
	db *badger.DB
}

func NewLease(db *badger.DB) *Lease {
	return &Lease{db: db}
}

func (l *Lease) Acquire(ctx context.Context, key string, lease time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if lease < time.Second {
		lease = time.Second
	}
	token := uuid.NewString()
	err := l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(leaseKey(key))
		if err == nil {
			return versioned.ErrBusy
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.SetEntry(badger.NewEntry(leaseKey(key), []byte(token)).WithTTL(lease))
	})
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, versioned.ErrBusy), errors.Is(err, badger.ErrConflict):
		return "", versioned.ErrBusy
	default:
		return "", versioned.Fault("acquire", key, err)
	}
}

func (l *Lease) Release(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return versioned.ErrLeaseLost
		}
		if err != nil {
			return err
		}
		held, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(held, []byte(token)) {
			return versioned.ErrLeaseLost
		}
		return txn.Delete(leaseKey(key))
	})
	switch {
	case err == nil, errors.Is(err, versioned.ErrLeaseLost):
		return err
	case errors.Is(err, badger.ErrConflict):
		// someone else touched the entry, so it was no longer ours
		return versioned.ErrLeaseLost
	default:
		return versioned.Fault("release", key, err)
	}
}

func leaseKey(key string) []byte {
	return append([]byte(leasePrefix), key...)
}
