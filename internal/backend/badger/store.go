// Package badger stores versioned records in a badger database. The compare
// and the write happen inside one badger transaction; badger's own conflict
// detection rejects the commit if another transaction wrote the key first.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/dgraph-io/badger/v4"

	"versionedkv/internal/model"
	"versionedkv/internal/versioned"
)

var _ versioned.RecordStore = (*Store)(nil)

const (
	recordPrefix = "r/"
	leasePrefix  = "l/"

	versionBytes = 8
	flagBytes    = 1
	flagDeleted  = 1 << 0
)

type Store struct {
	db *badger.DB
}

// Open opens the database in dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(logger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// logger forwards badger's warnings and errors to the standard logger and
// drops the chatter.
type logger struct{}

func (logger) Errorf(format string, args ...interface{})   { log.Printf("badger: error: "+format, args...) }
func (logger) Warningf(format string, args ...interface{}) { log.Printf("badger: warning: "+format, args...) }
func (logger) Infof(string, ...interface{})                {}
func (logger) Debugf(string, ...interface{})               {}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so a Lease can share it.
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) ReadWithVersion(ctx context.Context, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	var rec model.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = get(txn, id)
		return err
	})
	if err != nil {
		return model.Record{}, classify("read", id, err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, id string, payload []byte) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	rec := model.Record{ID: id, Payload: payload, Version: 1}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := get(txn, id); err == nil {
			return versioned.ErrAlreadyExists
		} else if !errors.Is(err, versioned.ErrNotFound) {
			return err
		}
		return txn.Set(recordKey(id), encodeValue(rec))
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent create won
		return model.Record{}, versioned.ErrAlreadyExists
	}
	if err != nil {
		return model.Record{}, classify("create", id, err)
	}
	return rec, nil
}

func (s *Store) CompareAndWrite(ctx context.Context, id string, expected uint64, payload []byte, tombstone bool) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	next := model.Record{ID: id, Version: expected + 1, Deleted: tombstone}
	if !tombstone {
		next.Payload = payload
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := get(txn, id)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return versioned.ErrNotFound
		}
		if cur.Version != expected {
			return versioned.ErrVersionMismatch
		}
		return txn.Set(recordKey(id), encodeValue(next))
	})
	if errors.Is(err, badger.ErrConflict) {
		return 0, versioned.ErrVersionMismatch
	}
	if err != nil {
		return 0, classify("compare-and-write", id, err)
	}
	return next.Version, nil
}

func get(txn *badger.Txn, id string) (model.Record, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Record{}, versioned.ErrNotFound
	}
	if err != nil {
		return model.Record{}, err
	}
	var rec model.Record
	err = item.Value(func(val []byte) error {
		rec, err = decodeValue(id, val)
		return err
	})
	return rec, err
}

func classify(op, id string, err error) error {
	if errors.Is(err, versioned.ErrNotFound) ||
		errors.Is(err, versioned.ErrAlreadyExists) ||
		errors.Is(err, versioned.ErrVersionMismatch) {
		return err
	}
	return versioned.Fault(op, id, err)
}

func recordKey(id string) []byte {
	return append([]byte(recordPrefix), id...)
}

// encodeValue lays a record out as | version (8) | flags (1) | payload |.
func encodeValue(rec model.Record) []byte {
	buf := make([]byte, versionBytes+flagBytes, versionBytes+flagBytes+len(rec.Payload))
	binary.BigEndian.PutUint64(buf, rec.Version)
	if rec.Deleted {
		buf[versionBytes] |= flagDeleted
	}
	return append(buf, rec.Payload...)
}

func decodeValue(id string, val []byte) (model.Record, error) {
	if len(val) < versionBytes+flagBytes {
		return model.Record{}, fmt.Errorf("record %q: value too short (%d bytes)", id, len(val))
	}
	rec := model.Record{
		ID:      id,
		Version: binary.BigEndian.Uint64(val),
		Deleted: val[versionBytes]&flagDeleted != 0,
	}
	if !rec.Deleted {
		rec.Payload = make([]byte, len(val)-versionBytes-flagBytes)
		copy(rec.Payload, val[versionBytes+flagBytes:])
	}
	return rec, nil
}
