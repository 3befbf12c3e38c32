package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PoolConfig tunes the shared connection pool.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store provides typed persistence over a shared Postgres pool.
// One Store per process; all components share it.
type Store struct {
	mu     sync.RWMutex
	db     *sqlx.DB
	cfg    PoolConfig
	logger *slog.Logger
}

// process-wide store, lazily initialized.
var (
	defaultStore *Store
	defaultOnce  sync.Once
)

// Default returns the process-wide store, creating it lazily.
// The pool is not opened until Open is called.
func Default(cfg PoolConfig, logger *slog.Logger) *Store {
	defaultOnce.Do(func() {
		defaultStore = New(cfg, logger)
	})
	return defaultStore
}

// New creates an unopened store.
func New(cfg PoolConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}
}

// Open connects the pool. Idempotent.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	if s.cfg.DSN == "" {
		return fmt.Errorf("%w: empty DSN", ErrUnavailable)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	s.db = db
	s.logger.Info("Store pool opened",
		"max_open", s.cfg.MaxOpenConns,
		"max_idle", s.cfg.MaxIdleConns)
	return nil
}

// Close flushes and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// conn returns the live pool or ErrUnavailable.
func (s *Store) conn() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrUnavailable
	}
	return s.db, nil
}

// DB exposes the underlying pool for components that own their own
// queries (the validation store). Returns ErrUnavailable before Open.
func (s *Store) DB() (*sqlx.DB, error) {
	return s.conn()
}

// Logger returns the store logger for co-located repositories.
func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// WithDB wires an already-open pool into the store. Used by tests with sqlmock.
func (s *Store) WithDB(db *sqlx.DB) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
	return s
}

// inTx runs fn inside a transaction, classifying errors on the way out.
// The transaction never spans a suspension point other than its own queries.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyError(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifyError(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyError(err)
	}
	return nil
}
