// Package store persists telemetry signals in SQLite.
//
// A Store owns its connection pool. Every write path derives pointCount and
// byteVolume from the points being written, and every row gets a freshly
// generated uuid guarded by a unique index. Operations are bounded by the
// configured per-operation timeout so a stalled database cannot hold a
// consumer slot forever.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/metric"
)

// Config controls the SQLite handle.
type Config struct {
	// Path of the database file. Parent directories are created.
	Path string `json:"path"`
	// OpTimeout bounds every store operation. Zero disables the bound.
	OpTimeout time.Duration `json:"op_timeout"`
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration `json:"busy_timeout"`
	// MaxOpenConns caps the pool size.
	MaxOpenConns int `json:"max_open_conns"`
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Path:         "data/xraysignals.db",
		OpTimeout:    5 * time.Second,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers store metrics with the given registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(s *Store) {
		s.registrar = registrar
	}
}

// WithClock overrides the timestamp source for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the signal store.
type Store struct {
	db        *sql.DB
	cfg       Config
	logger    *slog.Logger
	registrar metric.MetricsRegistrar
	metrics   *storeMetrics
	now       func() time.Time
	closed    atomic.Bool
}

// Open opens (creating if needed) the database at cfg.Path and ensures the
// schema exists.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "Open", "check path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.OpTimeout < 0 {
		cfg.OpTimeout = 0
	}

	s := &Store{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "create db directory")
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open sqlite")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	s.db = db

	if s.registrar != nil {
		m, err := newStoreMetrics(s.registrar)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.metrics = m
	}

	if err := s.initSchema(ctx); err != nil {
		s.unregisterMetrics()
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("signal store opened",
		"path", cfg.Path,
		"max_open_conns", cfg.MaxOpenConns,
		"op_timeout", cfg.OpTimeout)

	return s, nil
}

// dsn enables WAL so readers do not block the writer, and takes the write
// lock at BEGIN so concurrent bulk inserts queue on busy_timeout instead of
// failing on lock upgrade.
func dsn(cfg Config) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			device_id TEXT NOT NULL,
			time INTEGER NOT NULL,
			point_count INTEGER NOT NULL,
			byte_volume INTEGER NOT NULL,
			points TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_uuid ON signals(uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_device_time ON signals(device_id, time);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_time ON signals(time);`,
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapFatal(err, "Store", "Open", "init schema")
		}
	}
	return nil
}

// Close releases the pool. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.unregisterMetrics()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "Store", "Close", "close sqlite")
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen("Ping"); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "Store", "Ping", "ping sqlite")
	}
	return nil
}

func (s *Store) checkOpen(method string) error {
	if s.closed.Load() {
		return errors.WrapFatal(errors.ErrStoreClosed, "Store", method, "check store")
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OpTimeout)
	}
	return context.WithCancel(ctx)
}
