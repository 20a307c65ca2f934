package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Retry defaults for StoreError.Conflict.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 20 * time.Millisecond
	DefaultMaxInterval     = 500 * time.Millisecond
)

// RetryPolicy bounds the automatic retry of conflicting transactions.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

// Store is the shared transactional backend for the ledger, the lawbook,
// the guard leases and the idempotency index.
//
// Every write goes through RunInTx, which opens a BEGIN IMMEDIATE
// transaction: SQLite takes the database write lock up front, so
// check-and-set sequences are serialized across goroutines and across
// processes sharing the file.
type Store struct {
	db     *sql.DB
	retry  RetryPolicy
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the conflict retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) {
		if p.MaxAttempts > 0 {
			s.retry = p
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens the database file at path, creating it when missing, and
// brings its schema up to date. The connection runs in WAL mode with
// immediate transactions, a five second busy timeout and foreign keys on.
// Opening the same file again is safe.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("connect", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, unavailable("configure", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, unavailable("migrate", err)
	}

	s := &Store{
		db:     db,
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database. It is a no-op on a zero Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection pool for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Reader returns a Tx bound to the database connection rather than to a
// transaction, for read-only listings outside RunInTx. Calling write
// methods on it is a programming error.
func (s *Store) Reader() *Tx {
	return &Tx{q: s.db}
}

// RunInTx runs fn inside one immediate transaction and commits it.
//
// If fn or the commit fails with a Conflict (lock contention, unique-key
// race) the whole transaction is retried with exponential backoff, up to
// the configured number of attempts. fn must therefore be safe to re-run:
// it may only touch the database through tx. Any other error aborts
// immediately and is returned unchanged.
func (s *Store) RunInTx(ctx context.Context, op string, fn func(tx *Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.InitialInterval
	bo.MaxInterval = s.retry.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by attempts instead

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := s.runOnce(ctx, op, fn)
		if err == nil {
			return nil
		}
		if IsConflict(err) {
			s.logger.Debug("transaction conflict",
				"op", op,
				"attempt", attempt,
				"max_attempts", s.retry.MaxAttempts,
				"error", err,
			)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retry.MaxAttempts-1)), ctx))
	if err != nil && IsConflict(err) {
		s.logger.Warn("transaction conflict retries exhausted", "op", op, "attempts", attempt)
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, op string, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

// pragmas are applied in order right after Open connects.
var pragmas = [][2]string{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

func applyPragmas(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p[0], p[1])); err != nil {
			return fmt.Errorf("pragma %s: %w", p[0], err)
		}
	}
	return nil
}

// migrations[i] moves the schema from user_version i to i+1. schema.sql
// always holds the version-0 tables, so every migration must be
// re-runnable against a database created by a newer binary.
var migrations = []func(*sql.DB) error{
	addExclusiveClassIndex,
}

func schemaVersion() int {
	return len(migrations)
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion())); err != nil {
		return fmt.Errorf("write user_version: %w", err)
	}
	return nil
}

// addExclusiveClassIndex is the storage backstop for exclusivity: no two
// issues carry the same exclusive_class even if a writer bypasses the
// guard leases.
func addExclusiveClassIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_exclusive_class
		ON issues(exclusive_class) WHERE exclusive_class IS NOT NULL`)
	return err
}

func (s *Store) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}
