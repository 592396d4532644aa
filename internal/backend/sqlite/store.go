// Package sqlite stores versioned records in a table with a version column.
// The conditional write is a single UPDATE guarded by the expected version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"versionedkv/internal/model"
	"versionedkv/internal/versioned"
)

var _ versioned.RecordStore = (*Store)(nil)

const schemaVersion = 1

type Store struct {
	db *sqlx.DB

	read   *sqlx.Stmt
	create *sqlx.Stmt
	cas    *sqlx.Stmt
}

type row struct {
	ID      string `db:"id"`
	Payload []byte `db:"payload"`
	Version int64  `db:"version"`
	Deleted bool   `db:"deleted"`
}

func (r row) record() model.Record {
	rec := model.Record{ID: r.ID, Version: uint64(r.Version), Deleted: r.Deleted}
	if !r.Deleted {
		rec.Payload = r.Payload
		if rec.Payload == nil {
			rec.Payload = []byte{}
		}
	}
	return rec
}

// maxOpenConns bounds the pool. WAL lets reads run beside the single writer;
// writers queue on the busy timeout.
const maxOpenConns = 8

// Open connects to the sqlite database at path and prepares the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New takes an existing connection, runs the migrations and prepares the
// statements.
func New(db *sqlx.DB) (_ *Store, err error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	defer func() {
		if err != nil {
			s.closeStatements()
		}
	}()

	if s.read, err = db.Preparex(
		`SELECT id, payload, version, deleted FROM versioned_records WHERE id = ?`,
	); err != nil {
		return nil, fmt.Errorf("failed to prepare read statement: %w", err)
	}
	if s.create, err = db.Preparex(
		`INSERT INTO versioned_records (id, payload, version, deleted) VALUES (?, ?, 1, 0)`,
	); err != nil {
		return nil, fmt.Errorf("failed to prepare create statement: %w", err)
	}
	if s.cas, err = db.Preparex(
		`UPDATE versioned_records SET payload = ?, version = version + 1, deleted = ?
		 WHERE id = ? AND version = ? AND deleted = 0`,
	); err != nil {
		return nil, fmt.Errorf("failed to prepare compare-and-write statement: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	txn, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.Exec(`CREATE TABLE IF NOT EXISTS versioned_schema (version int)`); err != nil {
		return err
	}
	var version int
	if err := txn.Get(&version, `SELECT version FROM versioned_schema`); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := txn.Exec(`INSERT INTO versioned_schema VALUES (0)`); err != nil {
			return err
		}
	}

	if version < 1 {
		if _, err := txn.Exec(
			`CREATE TABLE IF NOT EXISTS versioned_records (` +
				`id text PRIMARY KEY, ` +
				`payload blob, ` +
				`version integer NOT NULL, ` +
				`deleted integer NOT NULL DEFAULT 0` +
				`)`,
		); err != nil {
			return err
		}
	}

	if _, err := txn.Exec(`UPDATE versioned_schema SET version = ?`, schemaVersion); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) ReadWithVersion(ctx context.Context, id string) (model.Record, error) {
	var r row
	if err := s.read.GetContext(ctx, &r, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, versioned.ErrNotFound
		}
		return model.Record{}, fault(ctx, "read", id, err)
	}
	return r.record(), nil
}

func (s *Store) Create(ctx context.Context, id string, payload []byte) (model.Record, error) {
	if payload == nil {
		payload = []byte{}
	}
	if _, err := s.create.ExecContext(ctx, id, payload); err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return model.Record{}, versioned.ErrAlreadyExists
		}
		return model.Record{}, fault(ctx, "create", id, err)
	}
	return model.Record{ID: id, Payload: payload, Version: 1}, nil
}

func (s *Store) CompareAndWrite(ctx context.Context, id string, expected uint64, payload []byte, tombstone bool) (uint64, error) {
	if tombstone {
		payload = nil
	} else if payload == nil {
		payload = []byte{}
	}
	res, err := s.cas.ExecContext(ctx, payload, tombstone, id, int64(expected))
	if err != nil {
		return 0, fault(ctx, "compare-and-write", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault(ctx, "compare-and-write", id, err)
	}
	if n == 1 {
		return expected + 1, nil
	}

	// Nothing matched. Rows are never removed, so a row that is still there
	// either moved on or became a tombstone at the expected version.
	cur, err := s.ReadWithVersion(ctx, id)
	if err != nil {
		return 0, err
	}
	if cur.Deleted || cur.Version == expected {
		return 0, versioned.ErrNotFound
	}
	return 0, versioned.ErrVersionMismatch
}

func (s *Store) Close() error {
	s.closeStatements()
	return s.db.Close()
}

func (s *Store) closeStatements() {
	for _, stmt := range []*sqlx.Stmt{s.read, s.create, s.cas} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func fault(ctx context.Context, op, id string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return versioned.Fault(op, id, err)
}
