package data

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
)

// Migration is one versioned schema change. Up and Down may hold a
// statement per dialect; DialectSQL picks the right one.
type Migration struct {
	Version     int64
	Description string
	UpSQL       string
	DownSQL     string

	// Dialect overrides UpSQL/DownSQL for a given dialect
	Dialect map[Dialect]DialectSQL
}

// DialectSQL holds the statements of a migration for one dialect
type DialectSQL struct {
	Up   string
	Down string
}

func (m Migration) up(d Dialect) string {
	if s, ok := m.Dialect[d]; ok && s.Up != "" {
		return s.Up
	}
	return m.UpSQL
}

func (m Migration) down(d Dialect) string {
	if s, ok := m.Dialect[d]; ok && s.Down != "" {
		return s.Down
	}
	return m.DownSQL
}

// MigrationStatus represents the status of an applied migration
type MigrationStatus struct {
	Version     int64
	Description string
	AppliedAt   time.Time
}

// Migrator applies versioned migrations and records them in schema_migrations
type Migrator struct {
	db         Database
	logger     observability.Logger
	migrations []Migration
}

// NewMigrator creates a migrator for db
func NewMigrator(db Database, logger observability.Logger) *Migrator {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	return &Migrator{db: db, logger: logger}
}

// Initialize creates the migrations table if it doesn't exist
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}
	return nil
}

// AddMigration registers a migration
func (m *Migrator) AddMigration(migration Migration) error {
	if migration.Version <= 0 {
		return errors.New("migration version must be positive")
	}
	if migration.Description == "" {
		return errors.New("migration description cannot be empty")
	}
	if migration.UpSQL == "" && len(migration.Dialect) == 0 {
		return errors.New("up migration SQL cannot be empty")
	}
	for _, existing := range m.migrations {
		if existing.Version == migration.Version {
			return errors.Newf("migration with version %d already exists", migration.Version)
		}
	}

	m.migrations = append(m.migrations, migration)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

// Apply applies pending migrations up to version, or all of them when version is 0
func (m *Migrator) Apply(ctx context.Context, version int64) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	dialect := m.db.Dialect()
	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; ok {
			continue
		}
		if version > 0 && migration.Version > version {
			break
		}

		err := m.db.Transaction(ctx, func(tx Transaction) error {
			for _, stmt := range splitStatements(migration.up(dialect)) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return errors.Wrapf(err, "failed to apply migration %d", migration.Version)
				}
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				migration.Version, migration.Description, time.Now().UTC(),
			)
			return errors.Wrapf(err, "failed to record migration %d", migration.Version)
		})
		if err != nil {
			return err
		}

		m.logger.Info("Applied migration",
			observability.NewField("version", migration.Version),
			observability.NewField("description", migration.Description))
	}
	return nil
}

// Rollback reverts applied migrations above version. With version 0 only
// the latest migration is reverted.
func (m *Migrator) Rollback(ctx context.Context, version int64) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		var latest int64
		for v := range applied {
			if v > latest {
				latest = v
			}
		}
		version = latest - 1
	}

	dialect := m.db.Dialect()
	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if _, ok := applied[migration.Version]; !ok || migration.Version <= version {
			continue
		}
		down := migration.down(dialect)
		if down == "" {
			return errors.Newf("migration %d cannot be rolled back", migration.Version)
		}

		err := m.db.Transaction(ctx, func(tx Transaction) error {
			for _, stmt := range splitStatements(down) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return errors.Wrapf(err, "failed to roll back migration %d", migration.Version)
				}
			}
			_, err := tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version)
			return errors.Wrapf(err, "failed to remove migration record %d", migration.Version)
		})
		if err != nil {
			return err
		}

		m.logger.Info("Rolled back migration", observability.NewField("version", migration.Version))
	}
	return nil
}

// Status returns the applied migrations in version order
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.Query(ctx, "SELECT version, description, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migrations")
	}
	defer rows.Close()

	var statuses []MigrationStatus
	for rows.Next() {
		var status MigrationStatus
		if err := rows.Scan(&status.Version, &status.Description, &status.AppliedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration status")
		}
		statuses = append(statuses, status)
	}
	return statuses, errors.Wrap(rows.Err(), "failed to iterate migrations")
}

// LoadMigrationsFS loads V{version}__{description}.sql files from root.
// Each file holds the up statements, then a "-- DOWN" line, then the down statements.
func (m *Migrator) LoadMigrationsFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return errors.Wrapf(err, "failed to read migrations from %s", root)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "failed to read migration file %s", entry.Name())
		}
		migration, err := parseMigration(entry.Name(), string(content))
		if err != nil {
			return err
		}
		if err := m.AddMigration(migration); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := m.db.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query applied migrations")
	}
	defer rows.Close()

	versions := make(map[int64]struct{})
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		versions[version] = struct{}{}
	}
	return versions, errors.Wrap(rows.Err(), "failed to iterate migration versions")
}

func parseMigration(filename, content string) (Migration, error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "__", 2)
	if len(parts) != 2 {
		return Migration{}, errors.Newf("invalid migration filename %s", filename)
	}
	version, err := strconv.ParseInt(strings.TrimPrefix(parts[0], "V"), 10, 64)
	if err != nil {
		return Migration{}, errors.Newf("invalid migration version in filename %s", filename)
	}

	up, down, found := strings.Cut(content, "-- DOWN")
	if !found {
		return Migration{}, errors.Newf("migration file %s has no '-- DOWN' separator", filename)
	}

	return Migration{
		Version:     version,
		Description: strings.ReplaceAll(parts[1], "_", " "),
		UpSQL:       strings.TrimSpace(up),
		DownSQL:     strings.TrimSpace(down),
	}, nil
}

// splitStatements splits a script on semicolons that end a line
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";\n") {
		stmt = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
