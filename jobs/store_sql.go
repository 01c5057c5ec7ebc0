package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/santif/jobsched/data"
	"github.com/santif/jobsched/observability"
)

// schemaMigrations creates the job tables. Configurations are stored as a
// JSON document next to the columns that are queried.
var schemaMigrations = []data.Migration{
	{
		Version:     1,
		Description: "create job tables",
		Dialect: map[data.Dialect]data.DialectSQL{
			data.DialectPostgres: {
				Up: `CREATE TABLE job_configurations (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	body TEXT NOT NULL
);
CREATE TABLE job_statistics (
	id TEXT PRIMARY KEY,
	job_id BIGINT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	duration_ns BIGINT NOT NULL,
	completed_successfully BOOLEAN NOT NULL,
	cancelled BOOLEAN NOT NULL,
	total_items BIGINT NOT NULL,
	completed_items BIGINT NOT NULL,
	errors BIGINT NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX job_statistics_job_start ON job_statistics (job_id, start_time DESC);`,
				Down: "DROP TABLE job_statistics;\nDROP TABLE job_configurations;",
			},
			data.DialectSQLite: {
				Up: `CREATE TABLE job_configurations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	modified_at TIMESTAMP NOT NULL,
	body TEXT NOT NULL
);
CREATE TABLE job_statistics (
	id TEXT PRIMARY KEY,
	job_id INTEGER NOT NULL,
	start_time TIMESTAMP NOT NULL,
	duration_ns INTEGER NOT NULL,
	completed_successfully BOOLEAN NOT NULL,
	cancelled BOOLEAN NOT NULL,
	total_items INTEGER NOT NULL,
	completed_items INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX job_statistics_job_start ON job_statistics (job_id, start_time DESC);`,
				Down: "DROP TABLE job_statistics;\nDROP TABLE job_configurations;",
			},
		},
	},
}

// MigrateSchema creates or upgrades the job tables
func MigrateSchema(ctx context.Context, db data.Database, logger observability.Logger) error {
	migrator, err := SchemaMigrator(db, logger)
	if err != nil {
		return err
	}
	return errors.Wrap(migrator.Apply(ctx, 0), "failed to migrate job schema")
}

// SchemaMigrator returns a migrator loaded with the job schema migrations
func SchemaMigrator(db data.Database, logger observability.Logger) (*data.Migrator, error) {
	migrator := data.NewMigrator(db, logger)
	for _, m := range schemaMigrations {
		if err := migrator.AddMigration(m); err != nil {
			return nil, err
		}
	}
	return migrator, nil
}

// SQLStore persists jobs in PostgreSQL or SQLite
type SQLStore struct {
	db data.Database
}

// NewSQLStore creates a store on a migrated database
func NewSQLStore(db data.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) FindConfigurations(ctx context.Context, filter func(*JobConfiguration) bool) ([]*JobConfiguration, error) {
	rows, err := s.db.Query(ctx, "SELECT id, body FROM job_configurations ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job configurations")
	}
	defer rows.Close()

	var out []*JobConfiguration
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, errors.Wrap(err, "failed to scan job configuration")
		}
		config := &JobConfiguration{}
		if err := json.Unmarshal([]byte(body), config); err != nil {
			return nil, errors.Wrapf(err, "failed to decode job configuration %d", id)
		}
		config.ID = id
		if filter == nil || filter(config) {
			out = append(out, config)
		}
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate job configurations")
}

// InsertConfiguration stores config in a single statement. The id column is
// authoritative; the id inside the stored body is ignored on read.
func (s *SQLStore) InsertConfiguration(ctx context.Context, config *JobConfiguration) error {
	body, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to encode job configuration")
	}

	if config.ID != 0 {
		return s.insertWithID(ctx, config, string(body))
	}

	var id int64
	err = s.db.QueryRow(ctx,
		"INSERT INTO job_configurations (name, kind, archived, created_at, modified_at, body) VALUES (?, ?, ?, ?, ?, ?) RETURNING id",
		config.Name, string(config.Kind), config.Audit.Archived,
		config.Audit.CreatedAt.UTC(), config.Audit.ModifiedAt.UTC(), string(body)).Scan(&id)
	if err != nil {
		return errors.Wrapf(err, "failed to insert job %q", config.Name)
	}
	config.ID = id
	return nil
}

// insertWithID keeps the postgres id sequence ahead of explicitly chosen ids
func (s *SQLStore) insertWithID(ctx context.Context, config *JobConfiguration, body string) error {
	err := s.db.Transaction(ctx, func(tx data.Transaction) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO job_configurations (id, name, kind, archived, created_at, modified_at, body) VALUES (?, ?, ?, ?, ?, ?, ?)",
			config.ID, config.Name, string(config.Kind), config.Audit.Archived,
			config.Audit.CreatedAt.UTC(), config.Audit.ModifiedAt.UTC(), body); err != nil {
			return err
		}
		if s.db.Dialect() != data.DialectPostgres {
			return nil
		}
		_, err := tx.Exec(ctx,
			"SELECT setval(pg_get_serial_sequence('job_configurations', 'id'), (SELECT MAX(id) FROM job_configurations))")
		return err
	})
	return errors.Wrapf(err, "failed to insert job %d", config.ID)
}

func (s *SQLStore) UpdateConfiguration(ctx context.Context, config *JobConfiguration) error {
	body, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to encode job configuration")
	}

	res, err := s.db.Exec(ctx,
		"UPDATE job_configurations SET name = ?, kind = ?, archived = ?, modified_at = ?, body = ? WHERE id = ?",
		config.Name, string(config.Kind), config.Audit.Archived, config.Audit.ModifiedAt.UTC(), string(body), config.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %d", config.ID)
	}
	return requireAffected(res, config.ID)
}

func (s *SQLStore) DeleteConfiguration(ctx context.Context, id int64) error {
	return s.db.Transaction(ctx, func(tx data.Transaction) error {
		if _, err := tx.Exec(ctx, "DELETE FROM job_statistics WHERE job_id = ?", id); err != nil {
			return errors.Wrapf(err, "failed to delete statistics of job %d", id)
		}
		res, err := tx.Exec(ctx, "DELETE FROM job_configurations WHERE id = ?", id)
		if err != nil {
			return errors.Wrapf(err, "failed to delete job %d", id)
		}
		return requireAffected(res, id)
	})
}

func requireAffected(res data.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(ErrJobNotFound, "job %d", id)
	}
	return nil
}

func (s *SQLStore) InsertStatistics(ctx context.Context, stats JobStatistics) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO job_statistics (id, job_id, start_time, duration_ns, completed_successfully, cancelled,
			total_items, completed_items, errors, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stats.ID.String(), stats.JobID, stats.StartTime.UTC(), int64(stats.Duration),
		stats.CompletedSuccessfully, stats.Cancelled,
		stats.TotalItems, stats.CompletedItems, stats.Errors, stats.Message)
	return errors.Wrapf(err, "failed to insert statistics of job %d", stats.JobID)
}

const statisticsColumns = `id, job_id, start_time, duration_ns, completed_successfully, cancelled,
	total_items, completed_items, errors, message`

func (s *SQLStore) LatestStatistics(ctx context.Context, jobID int64) (*JobStatistics, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+statisticsColumns+" FROM job_statistics WHERE job_id = ? ORDER BY start_time DESC LIMIT 1", jobID)
	stats, err := scanStatistics(row)
	if errors.Is(err, data.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load statistics of job %d", jobID)
	}
	return &stats, nil
}

func (s *SQLStore) ListStatistics(ctx context.Context, jobID int64, limit int) ([]JobStatistics, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+statisticsColumns+" FROM job_statistics WHERE job_id = ? ORDER BY start_time DESC LIMIT ?", jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query statistics of job %d", jobID)
	}
	defer rows.Close()

	var out []JobStatistics
	for rows.Next() {
		stats, err := scanStatistics(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan statistics")
		}
		out = append(out, stats)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate statistics")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStatistics(row scanner) (JobStatistics, error) {
	var (
		stats    JobStatistics
		id       string
		duration int64
	)
	err := row.Scan(&id, &stats.JobID, &stats.StartTime, &duration,
		&stats.CompletedSuccessfully, &stats.Cancelled,
		&stats.TotalItems, &stats.CompletedItems, &stats.Errors, &stats.Message)
	if err != nil {
		return stats, err
	}
	stats.ID, err = uuid.Parse(id)
	stats.Duration = time.Duration(duration)
	return stats, err
}
