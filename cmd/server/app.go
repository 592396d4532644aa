package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"versionedkv/internal/api"
	badgerstore "versionedkv/internal/backend/badger"
	"versionedkv/internal/backend/memory"
	"versionedkv/internal/backend/sqlite"
	"versionedkv/internal/config"
	"versionedkv/internal/engine"
	"versionedkv/internal/lease"
	"versionedkv/internal/versioned"
)

// app owns the backend picked by the config and everything that must be
// closed with it.
type app struct {
	store   *versioned.Store
	handler http.Handler
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{}
	var (
		rs     versioned.RecordStore
		locker versioned.Locker = lease.NewLocal()
	)
	switch cfg.Backend {
	case config.BackendMemory:
		cm, stop, err := engine.NewCommitLogManager(ctx, engine.CommitLogCfg{
			Path:          filepath.Join(cfg.DataDir, "commit.log"),
			FlushInterval: cfg.CommitLogFlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("open commit log: %w", err)
		}
		a.closers = append(a.closers, func() error {
			stop()
			<-cm.Done()
			return nil
		})
		mem := memory.NewStore(memory.WithJournal(cm))
		n := mem.Replay(cm.Load())
		log.Printf("restored %d records from the commit log", n)
		rs = mem
	case config.BackendSQLite:
		s, err := sqlite.Open(filepath.Join(cfg.DataDir, "records.db"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		rs = s
	case config.BackendBadger:
		s, err := badgerstore.Open(filepath.Join(cfg.DataDir, "badger"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		// leases live next to the records so every process sharing the
		// directory sees them
		locker = badgerstore.NewLease(s.DB())
		rs = s
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	a.store = versioned.NewStore(rs)
	a.handler = api.NewServer(a.store, api.Options{
		Policy: retryPolicy(cfg),
		Locker: locker,
		Lease:  cfg.LockLease,
	})
	return a, nil
}

func retryPolicy(cfg config.Config) versioned.RetryPolicy {
	return versioned.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: versioned.ExponentialBackoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
