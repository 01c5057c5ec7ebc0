package data

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing
var ErrNoRows = errors.New("data: no rows in result set")

// Dialect identifies the SQL flavour of a Database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Rebind rewrites the ? placeholders of query into the dialect's form.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Database defines the interface for database operations.
// Queries use ? placeholders; implementations rebind them for their dialect.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns a single row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction runs fn in a transaction, committing when it returns nil
	Transaction(ctx context.Context, fn func(Transaction) error) error

	// Dialect reports the SQL flavour
	Dialect() Dialect

	// Close closes the database connection
	Close() error

	// Ping verifies a connection to the database is still alive
	Ping(ctx context.Context) error
}

// Transaction represents a database transaction
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Rows represents the result set of a query
type Rows interface {
	// Next prepares the next row for reading
	Next() bool

	// Scan copies the columns in the current row into the values pointed at by dest
	Scan(dest ...interface{}) error

	// Close closes the rows iterator
	Close() error

	// Err returns any error that occurred while iterating
	Err() error
}

// Row represents a single row returned from a query
type Row interface {
	// Scan copies the columns into dest, or returns ErrNoRows
	Scan(dest ...interface{}) error
}

// Result represents the result of a query execution
type Result interface {
	// LastInsertId returns the ID of the last inserted row
	LastInsertId() (int64, error)

	// RowsAffected returns the number of rows affected by the query
	RowsAffected() (int64, error)
}
