// Package lease provides an in-process lease table that satisfies
// versioned.Locker. It is meant for a single server process; a deployment
// with several processes needs a shared service such as the badger lease.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"versionedkv/internal/versioned"
)

var _ versioned.Locker = (*Local)(nil)

type holder struct {
	token     string
	expiresAt time.Time
}

// Local keeps one entry per held key. Entries are created on acquire and
// removed by the release that owns them; an expired entry is simply
// overwritten by the next acquire.
type Local struct {
	leases *xsync.MapOf[string, holder]
	now    func() time.Time
}

func NewLocal() *Local {
	return &Local{
		leases: xsync.NewMapOf[string, holder](),
		now:    time.Now,
	}
}

func (l *Local) Acquire(ctx context.Context, key string, lease time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token := uuid.NewString()
	now := l.now()
	granted := false
	l.leases.Compute(key, func(cur holder, loaded bool) (holder, bool) {
		if loaded && now.Before(cur.expiresAt) {
			return cur, false
		}
		granted = true
		return holder{token: token, expiresAt: now.Add(lease)}, false
	})
	if !granted {
		return "", versioned.ErrBusy
	}
	return token, nil
}

func (l *Local) Release(_ context.Context, key, token string) error {
	released := false
	l.leases.Compute(key, func(cur holder, loaded bool) (holder, bool) {
		if !loaded || cur.token != token {
			// keep whatever is there, delete nothing that is not ours
			return cur, !loaded
		}
		released = true
		return holder{}, true
	})
	if !released {
		return versioned.ErrLeaseLost
	}
	return nil
}

// Held reports how many keys currently have an entry, expired or not.
func (l *Local) Held() int {
	return l.leases.Size()
}
