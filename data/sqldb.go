package data

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds configuration for an embedded SQLite database
type SQLiteConfig struct {
	// Path is the database file, or ":memory:" for a private in-memory database
	Path string `json:"path" yaml:"path" validate:"required"`

	// BusyTimeout is how long a writer waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// DefaultSQLiteConfig returns a configuration storing jobsched.db in the working directory
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        "jobsched.db",
		BusyTimeout: 5 * time.Second,
	}
}

// SQLDB implements the Database interface on database/sql
type SQLDB struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLDB wraps an open *sql.DB. Queries are rebound for dialect.
func NewSQLDB(db *sql.DB, dialect Dialect) *SQLDB {
	return &SQLDB{db: db, dialect: dialect}
}

// NewSQLiteDB opens an SQLite database with the go-sqlite3 driver and verifies it with a ping
func NewSQLiteDB(ctx context.Context, cfg SQLiteConfig) (*SQLDB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := cfg.Path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_foreign_keys=on&_busy_timeout=" + strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	// a single connection serialises writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to open sqlite database %s", cfg.Path)
	}

	return NewSQLDB(db, DialectSQLite), nil
}

// Dialect reports the dialect given at construction
func (s *SQLDB) Dialect() Dialect { return s.dialect }

// Query executes a query that returns rows
func (s *SQLDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sql query")
	}
	return rows, nil
}

// QueryRow executes a query that returns a single row
func (s *SQLDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return sqlRow{row: s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)}
}

// Exec executes a query that doesn't return rows
func (s *SQLDB) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sql exec")
	}
	return res, nil
}

// Transaction starts a transaction and executes the provided function within it
func (s *SQLDB) Transaction(ctx context.Context, fn func(Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Close closes the database
func (s *SQLDB) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t sqlTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sql transaction query")
	}
	return rows, nil
}

func (t sqlTx) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return sqlRow{row: t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)}
}

func (t sqlTx) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sql transaction exec")
	}
	return res, nil
}

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...interface{}) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}
