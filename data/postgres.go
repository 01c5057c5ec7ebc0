package data

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds configuration for PostgreSQL connection.
// DSN, when set, takes precedence over the individual fields.
type PostgresConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	Host            string        `json:"host" yaml:"host" validate:"required_without=DSN"`
	Port            int           `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	Database        string        `json:"database" yaml:"database" validate:"required_without=DSN"`
	SSLMode         string        `json:"sslmode" yaml:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections" validate:"min=0"`
	ConnTimeout     time.Duration `json:"conn_timeout" yaml:"conn_timeout"`
	MaxIdleTime     time.Duration `json:"max_idle_time" yaml:"max_idle_time"`
	MaxLifetime     time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
	HealthCheckFreq time.Duration `json:"health_check_freq" yaml:"health_check_freq"`
}

// DefaultPostgresConfig returns a configuration for a local server
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:           "localhost",
		Port:           5432,
		Username:       "postgres",
		Database:       "jobsched",
		SSLMode:        "disable",
		MaxConnections: 10,
		ConnTimeout:    5 * time.Second,
	}
}

// ConnString builds the pgx connection string
func (cfg PostgresConfig) ConnString() string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + cfg.SSLMode,
	}
	return u.String()
}

func (cfg *PostgresConfig) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 5 * time.Second
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 30 * time.Minute
	}
	if cfg.HealthCheckFreq <= 0 {
		cfg.HealthCheckFreq = time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
}

// PostgresDB implements the Database interface for PostgreSQL
type PostgresDB struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresDB creates a connection pool and verifies it with a ping
func NewPostgresDB(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	cfg.applyDefaults()

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres config")
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MaxConnLifetime = cfg.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckFreq
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	return &PostgresDB{pool: pool, cfg: cfg}, nil
}

// Dialect reports DialectPostgres
func (db *PostgresDB) Dialect() Dialect { return DialectPostgres }

// Query executes a query that returns rows
func (db *PostgresDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := db.pool.Query(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres query")
	}
	return &postgresRows{rows: rows}, nil
}

// QueryRow executes a query that returns a single row
func (db *PostgresDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &postgresRow{row: db.pool.QueryRow(ctx, DialectPostgres.Rebind(query), args...)}
}

// Exec executes a query that doesn't return rows
func (db *PostgresDB) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	tag, err := db.pool.Exec(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres exec")
	}
	return postgresResult{tag: tag}, nil
}

// Transaction starts a transaction and executes the provided function within it
func (db *PostgresDB) Transaction(ctx context.Context, fn func(Transaction) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Ping verifies a connection to the database is still alive
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.Query(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transaction query")
	}
	return &postgresRows{rows: rows}, nil
}

func (t *postgresTx) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &postgresRow{row: t.tx.QueryRow(ctx, DialectPostgres.Rebind(query), args...)}
}

func (t *postgresTx) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	tag, err := t.tx.Exec(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transaction exec")
	}
	return postgresResult{tag: tag}, nil
}

type postgresRows struct {
	rows pgx.Rows
}

func (r *postgresRows) Next() bool                     { return r.rows.Next() }
func (r *postgresRows) Scan(dest ...interface{}) error { return r.rows.Scan(dest...) }
func (r *postgresRows) Err() error                     { return r.rows.Err() }

func (r *postgresRows) Close() error {
	r.rows.Close()
	return nil
}

type postgresRow struct {
	row pgx.Row
}

func (r *postgresRow) Scan(dest ...interface{}) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type postgresResult struct {
	tag pgconn.CommandTag
}

// LastInsertId is not available in PostgreSQL; use a RETURNING clause
func (r postgresResult) LastInsertId() (int64, error) {
	return 0, errors.New("LastInsertId is not supported by PostgreSQL, use RETURNING instead")
}

func (r postgresResult) RowsAffected() (int64, error) {
	return r.tag.RowsAffected(), nil
}
