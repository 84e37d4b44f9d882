package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alx-kng/telefender/internal/changelog"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades a database whose user_version is below version.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations run in order after schema.sql; each must be idempotent
// because a fresh database starts at user_version 0.
var migrations = []migration{
	{1, "index change_log.server_change_id",
		`CREATE INDEX IF NOT EXISTS idx_change_log_server ON change_log(server_change_id)`},
	{2, "index call_detail.call_epoch_date",
		`CREATE INDEX IF NOT EXISTS idx_call_detail_date ON call_detail(call_epoch_date)`},
}

var currentSchemaVersion = migrations[len(migrations)-1].version

// Store is the durable replica: change log, work queues, materialized
// tables and the stored map, in one SQLite database.
//
// All writes go through a single connection, so SQLite's single writer is
// never contended from inside the process.
type Store struct {
	db    *sql.DB
	ids   changelog.IDGenerator
	clock changelog.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the change ID generator (default UUIDv7).
func WithIDGenerator(g changelog.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock overrides the wall clock used for change and queue timestamps.
func WithClock(c changelog.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// dsn builds a go-sqlite3 connection string. Connection settings travel in
// the DSN so they hold for every connection the pool opens, and
// transactions take the write lock up front.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Open creates or opens the database at path and brings its schema up to
// date. Opening an existing database is safe.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		ids:   changelog.UUIDv7Generator{},
		clock: changelog.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. Tests use it to break the schema.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store clock's current time in epoch millis.
func (s *Store) Now() int64 {
	return changelog.Millis(s.clock.Now())
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// migrate applies schema.sql, then every migration above the database's
// user_version, each in its own transaction with the version bump.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
