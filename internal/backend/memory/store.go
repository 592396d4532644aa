// Package memory keeps versioned records in a concurrent map. Each key owns a
// cell whose mutex covers the compare, the journal append and the write, so
// no other writer of that key can interleave while writers of other keys and
// all readers proceed.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"versionedkv/internal/model"
	"versionedkv/internal/versioned"
)

var _ versioned.RecordStore = (*Store)(nil)

// Journal receives every accepted write before it becomes visible.
// engine.CommitLogManager satisfies it.
type Journal interface {
	Append(mut model.Mutation) error
}

// cell holds one key. rec is nil until the key is first written; a cell left
// empty by a failed create reads as missing.
type cell struct {
	mu  sync.Mutex
	rec atomic.Pointer[model.Record]
}

type Store struct {
	records *xsync.MapOf[string, *cell]
	journal Journal
}

type Option func(*Store)

// WithJournal makes writes durable through j. A write that j refuses is
// reported as a store fault and does not happen.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

func NewStore(opts ...Option) *Store {
	s := &Store{records: xsync.NewMapOf[string, *cell]()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ReadWithVersion(ctx context.Context, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	c, ok := s.records.Load(id)
	if !ok {
		return model.Record{}, versioned.ErrNotFound
	}
	rec := c.rec.Load()
	if rec == nil {
		return model.Record{}, versioned.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Create(ctx context.Context, id string, payload []byte) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	c, _ := s.records.LoadOrStore(id, &cell{})
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec.Load() != nil {
		return model.Record{}, versioned.ErrAlreadyExists
	}
	next := &model.Record{ID: id, Payload: clone(payload), Version: 1}
	if err := s.log("create", *next); err != nil {
		return model.Record{}, err
	}
	c.rec.Store(next)
	return next.Clone(), nil
}

func (s *Store) CompareAndWrite(ctx context.Context, id string, expected uint64, payload []byte, tombstone bool) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, ok := s.records.Load(id)
	if !ok {
		return 0, versioned.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.rec.Load()
	switch {
	case cur == nil, cur.Deleted:
		return 0, versioned.ErrNotFound
	case cur.Version != expected:
		return 0, versioned.ErrVersionMismatch
	}
	next := &model.Record{ID: id, Version: cur.Version + 1, Deleted: tombstone}
	if !tombstone {
		next.Payload = clone(payload)
	}
	if err := s.log("compare-and-write", *next); err != nil {
		return 0, err
	}
	c.rec.Store(next)
	return next.Version, nil
}

// Replay rebuilds state from journal entries, typically the commit log loaded
// at startup. For each key the entry with the highest version wins.
func (s *Store) Replay(mutations []model.Mutation) int {
	applied := 0
	for _, mut := range mutations {
		id := string(mut.Key)
		c, _ := s.records.LoadOrStore(id, &cell{})
		c.mu.Lock()
		if cur := c.rec.Load(); cur == nil || cur.Version < mut.Version {
			rec := &model.Record{ID: id, Version: mut.Version, Deleted: mut.Op == model.DELETE}
			if !rec.Deleted {
				rec.Payload = clone(mut.Value)
			}
			c.rec.Store(rec)
			applied++
		}
		c.mu.Unlock()
	}
	return applied
}

// Len counts stored records, tombstones included.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_ string, c *cell) bool {
		if c.rec.Load() != nil {
			n++
		}
		return true
	})
	return n
}

func (s *Store) log(op string, rec model.Record) error {
	if s.journal == nil {
		return nil
	}
	return versioned.Fault(op, rec.ID, s.journal.Append(model.MutationFor(rec)))
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
