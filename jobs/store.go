package jobs

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/data"
	"github.com/santif/jobsched/observability"
)

// StatisticsReader loads the most recent statistics of a job
type StatisticsReader interface {
	// LatestStatistics returns the newest record by start time, or nil when there is none
	LatestStatistics(ctx context.Context, jobID int64) (*JobStatistics, error)
}

// Store persists job configurations and execution statistics
type Store interface {
	StatisticsReader

	// FindConfigurations returns the configurations accepted by filter, ordered by id.
	// A nil filter accepts everything.
	FindConfigurations(ctx context.Context, filter func(*JobConfiguration) bool) ([]*JobConfiguration, error)

	// InsertConfiguration stores a new configuration, assigning an id when ID is zero
	InsertConfiguration(ctx context.Context, config *JobConfiguration) error

	// UpdateConfiguration replaces a stored configuration; ErrJobNotFound if absent
	UpdateConfiguration(ctx context.Context, config *JobConfiguration) error

	// DeleteConfiguration removes a configuration and its statistics; ErrJobNotFound if absent
	DeleteConfiguration(ctx context.Context, id int64) error

	// InsertStatistics appends the record of one execution
	InsertStatistics(ctx context.Context, stats JobStatistics) error

	// ListStatistics returns up to limit records of a job, newest first
	ListStatistics(ctx context.Context, jobID int64, limit int) ([]JobStatistics, error)

	Close() error
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

// NotArchived accepts configurations that have not been archived
func NotArchived(c *JobConfiguration) bool {
	return !c.Audit.Archived
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	// Type is one of memory, postgres, sqlite or redis
	Type string `json:"type" yaml:"type" validate:"required,oneof=memory postgres sqlite redis"`

	// Migrate applies the schema migrations of SQL backends on open
	Migrate bool `json:"migrate" yaml:"migrate"`

	// StatisticsRetention caps the statistics kept per job by the redis backend
	StatisticsRetention int `json:"statistics_retention" yaml:"statistics_retention" validate:"min=0"`

	Postgres data.PostgresConfig `json:"postgres" yaml:"postgres"`
	SQLite   data.SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Redis    data.RedisConfig    `json:"redis" yaml:"redis"`
}

// DefaultStoreConfig returns an in-memory store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:                "memory",
		Migrate:             true,
		StatisticsRetention: 1000,
		Postgres:            data.DefaultPostgresConfig(),
		SQLite:              data.DefaultSQLiteConfig(),
		Redis:               data.DefaultRedisConfig(),
	}
}

// OpenStore connects the configured backend
func OpenStore(ctx context.Context, cfg StoreConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NoOpLogger()
	}

	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil

	case "postgres", "sqlite":
		db, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := MigrateSchema(ctx, db, logger); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return NewSQLStore(db), nil

	case "redis":
		client, err := data.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis.Namespace, cfg.StatisticsRetention), nil

	default:
		return nil, errors.Newf("unknown store type %q", cfg.Type)
	}
}

// OpenDatabase connects the SQL database of a postgres or sqlite configuration
func OpenDatabase(ctx context.Context, cfg StoreConfig) (data.Database, error) {
	switch cfg.Type {
	case "postgres":
		db, err := data.NewPostgresDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := data.NewSQLiteDB(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, errors.Newf("store type %q is not backed by a SQL database", cfg.Type)
	}
}
