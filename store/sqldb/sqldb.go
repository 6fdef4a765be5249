/*
Package sqldb provides a SQL-backed workday.Backend.

PURPOSE:
  Persists worker days, attendance ticks and reference data. The same code
  runs on SQLite (development, tests) and PostgreSQL (production); only the
  id column type and the locking strategy differ.

DRIVERS:
  sqlite3: github.com/mattn/go-sqlite3. Opened with WAL and immediate
           transactions. Writers are serialized by a process mutex, so
           LockKeys is a no-op.
  pgx:     github.com/jackc/pgx/v5/stdlib. Transactions are serializable
           and LockKeys takes pg_advisory_xact_lock per key. Serialization
           failures surface as workday.ErrConcurrentModification and are
           retried by WithTx.

STORAGE FORMAT:
  Dates are TEXT "YYYY-MM-DD" and instants are fixed-width UTC TEXT, so both
  compare correctly as strings. Durations are BIGINT nanoseconds. Details,
  outsource networks and reference entities are JSON documents.

TRANSACTIONS:
  WithTx hands fn a store bound to the SQL transaction. That store also
  implements workday.Directory so reference reads share the snapshot.

SEE ALSO:
  - workday/store.go: Interface definitions
  - workday/store/memory.go: In-memory implementation for engine tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/workday"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Config selects and sizes the database connection.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// TxRetries is how often WithTx retries a serialization failure.
	TxRetries int
}

// conn is what both *sqlx.DB and *sqlx.Tx offer.
type conn interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store implements workday.Backend.
type Store struct {
	*queries
	db      *sqlx.DB
	driver  string
	retries int
	logger  *zap.Logger

	// writers serializes SQLite transactions.
	writers sync.Mutex
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

var _ workday.Backend = (*Store)(nil)

// Open connects, applies the schema and returns the store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(db, opts...)
	if cfg.TxRetries > 0 {
		s.retries = cfg.TxRetries
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps an open connection without touching the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		driver:  db.DriverName(),
		retries: 3,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sqldb")
	s.queries = &queries{c: db, driver: s.driver, now: time.Now}
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema(s.driver))
	return err
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
}

// =============================================================================
// TRANSACTIONS (workday.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction, retrying it when the
// database reports a serialization failure.
func (s *Store) WithTx(ctx context.Context, fn func(workday.Store) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = s.withTx(ctx, fn)
		if !workday.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("transaction retried", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(workday.Store) error) error {
	opts := &sql.TxOptions{}
	if s.driver == DriverPostgres {
		opts.Isolation = sql.LevelSerializable
	} else {
		s.writers.Lock()
		defer s.writers.Unlock()
	}

	sqlTx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer sqlTx.Rollback()

	txs := &txStore{queries: &queries{c: sqlTx, driver: s.driver, now: s.now}}
	if err := fn(txs); err != nil {
		return mapErr(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapErr(err))
	}
	return nil
}

// txStore is the store handed to WithTx callbacks.
type txStore struct {
	*queries
}

var (
	_ workday.Store     = (*txStore)(nil)
	_ workday.Directory = (*txStore)(nil)
)

// =============================================================================
// LOCKS
// =============================================================================

// LockKeys takes transaction-scoped advisory locks on Postgres. Outside a
// transaction they would be released at once, so the plain store ignores
// the call like SQLite does.
func (q *queries) LockKeys(ctx context.Context, keys []workday.Key) error {
	if q.driver != DriverPostgres {
		return ctx.Err()
	}
	if _, ok := q.c.(*sqlx.Tx); !ok {
		return ctx.Err()
	}
	for _, k := range keys {
		if _, err := q.c.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", k.LockName()); err != nil {
			return fmt.Errorf("advisory lock %s: %w", k.LockName(), mapErr(err))
		}
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// mapErr turns driver-level concurrency failures into
// workday.ErrConcurrentModification.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", workday.ErrConcurrentModification, pgErr.Message)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s", workday.ErrConcurrentModification, liteErr.Error())
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
