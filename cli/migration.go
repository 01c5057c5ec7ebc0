package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/data"
	"github.com/santif/jobsched/jobs"
	"github.com/santif/jobsched/observability"
	"github.com/spf13/cobra"
)

var migrationsDir string

func newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the job store schema",
		Long: `Apply, roll back or inspect the schema migrations of the postgres and
sqlite stores. Additional migrations named V<version>__<description>.sql
can be loaded from --dir.`,
	}

	applyCmd := &cobra.Command{
		Use:   "apply [version]",
		Short: "Apply pending migrations",
		Long:  `Apply all pending migrations or up to a specific version.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := versionArg(args)
			if err != nil {
				return err
			}
			return withMigrator(cmd.Context(), func(ctx context.Context, m *data.Migrator) error {
				if err := m.Apply(ctx, version); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
				return nil
			})
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback [version]",
		Short: "Roll back migrations",
		Long:  `Roll back the last migration or down to a specific version.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := versionArg(args)
			if err != nil {
				return err
			}
			return withMigrator(cmd.Context(), func(ctx context.Context, m *data.Migrator) error {
				if err := m.Rollback(ctx, version); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations rolled back successfully")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *data.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				printMigrationStatus(cmd, statuses)
				return nil
			})
		},
	}

	migrateCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "Directory with additional migration files")
	migrateCmd.AddCommand(applyCmd, rollbackCmd, statusCmd)
	return migrateCmd
}

func versionArg(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid version number %q", args[0])
	}
	return v, nil
}

// withMigrator opens the configured SQL store and runs fn with its migrator
func withMigrator(ctx context.Context, fn func(context.Context, *data.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.NewLogger()
	_, cfg, err := loadConfig(ctx, nil, logger, false)
	if err != nil {
		return err
	}

	db, err := jobs.OpenDatabase(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := jobs.SchemaMigrator(db, logger)
	if err != nil {
		return err
	}
	if migrationsDir != "" {
		if err := migrator.LoadMigrationsFS(os.DirFS(migrationsDir), "."); err != nil {
			return errors.Wrapf(err, "failed to load migrations from %s", migrationsDir)
		}
	}
	return fn(ctx, migrator)
}

func printMigrationStatus(cmd *cobra.Command, statuses []data.MigrationStatus) {
	out := cmd.OutOrStdout()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No migrations have been applied")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED AT")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, strings.TrimSpace(s.Description), s.AppliedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
