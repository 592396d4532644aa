// Package config reads the server settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"time"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"

	LogDebug = "debug"
	LogInfo  = "info"
	LogQuiet = "quiet"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	Backend  string
	LogLevel string

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter bool
	LockLease     time.Duration

	CommitLogFlushInterval time.Duration
}

// Load builds a Config from getenv, usually os.Getenv. Unset variables take
// their defaults; malformed ones are an error.
func Load(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		HTTPAddr: p.str("KV_HTTP_ADDR", "127.0.0.1:8080"),
		DataDir:  p.str("KV_DATA_DIR", "./data"),
		Backend:  p.str("KV_BACKEND", BackendMemory),
		LogLevel: p.str("KV_LOG_LEVEL", LogInfo),

		MaxAttempts:   p.int("KV_MAX_ATTEMPTS", 5),
		BackoffBase:   p.duration("KV_BACKOFF_BASE", 5*time.Millisecond),
		BackoffMax:    p.duration("KV_BACKOFF_MAX", 250*time.Millisecond),
		BackoffJitter: p.bool("KV_BACKOFF_JITTER", true),
		LockLease:     p.duration("KV_LOCK_LEASE", 5*time.Second),

		CommitLogFlushInterval: p.duration("KV_COMMITLOG_FLUSH_INTERVAL", time.Second),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("KV_BACKEND: unknown backend %q", c.Backend)
	}
	switch c.LogLevel {
	case LogDebug, LogInfo, LogQuiet:
	default:
		return fmt.Errorf("KV_LOG_LEVEL: unknown level %q", c.LogLevel)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("KV_MAX_ATTEMPTS: must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("KV_BACKOFF_BASE/KV_BACKOFF_MAX: must not be negative")
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("KV_LOCK_LEASE: must be positive, got %s", c.LockLease)
	}
	return nil
}

// parser keeps the first error so Load can read every field in one go.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}
