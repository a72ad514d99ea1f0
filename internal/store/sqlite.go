package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nhle/mailsync/internal/model"
)

const (
	// busyTimeout is how long SQLite itself polls a locked database
	// before reporting SQLITE_BUSY.
	busyTimeout = 5 * time.Second

	// busyRetries bounds the retries on top of busyTimeout.
	busyRetries = 5
	busyDelay   = 50 * time.Millisecond
	busyMax     = 800 * time.Millisecond
)

// SQLiteStore implements ServerStateStore, PipelineStore and StatsStore
// on a local SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	cipher Cipher
}

// Option customizes a SQLiteStore.
type Option func(*SQLiteStore)

// WithCipher encrypts the sensitive columns with c.
func WithCipher(c Cipher) Option {
	return func(s *SQLiteStore) {
		if c != nil {
			s.cipher = c
		}
	}
}

// dsnFromPath turns a filesystem path into a modernc DSN carrying the
// per-connection pragmas. Write transactions start with BEGIN IMMEDIATE
// so that the claim protocol never upgrades a read lock.
func dsnFromPath(path string) (string, error) {
	var u *url.URL
	if strings.HasPrefix(path, "file:") {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	} else {
		u = &url.URL{Scheme: "file", Opaque: path}
	}
	values := u.Query()
	values.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	values.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		values.Add("_pragma", "journal_mode(WAL)")
		values.Add("_pragma", "synchronous(NORMAL)")
	}
	values.Set("_txlock", "immediate")
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// any pending schema migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := dsnFromPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("building dsn for %q: %w", dbPath, err)
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, cipher: Plaintext{}}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order, each in its own transaction.
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	currentVersion := 0

	var tableCount int
	err := s.db.GetContext(ctx,
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		currentVersion, err = s.SchemaVersion(ctx)
		if err != nil {
			return err
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// inTx runs fn inside one write transaction, retrying the whole
// transaction while the database is busy. fn must not leak partial
// results to the caller before it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// retryOnBusy retries f with exponential backoff while SQLite reports
// BUSY or LOCKED.
func retryOnBusy(ctx context.Context, f func() error) error {
	delay := busyDelay
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isBusy(err) || attempt == busyRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, busyMax)
	}
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// persistErr wraps failures of a state-changing transaction.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var fe *model.FatalPersistenceError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrLeaseLost) || errors.Is(err, model.ErrNotEligible) {
		return err
	}
	return &model.FatalPersistenceError{Op: op, Err: err}
}

// millis converts t to the INTEGER unix-millisecond representation
// used by every timestamp column.
func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// fromMillis converts a stored timestamp back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// fromNullMillis converts an optional stored timestamp.
func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
