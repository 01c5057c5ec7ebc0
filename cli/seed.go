package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/config"
	"github.com/santif/jobsched/jobs"
	"github.com/santif/jobsched/observability"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the document read by the seed command
type seedFile struct {
	Jobs []jobs.JobConfiguration `yaml:"jobs"`
}

func newSeedCommand() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Insert job configurations from a file into the store",
		Long: `Read a yaml, json or toml document with a top level "jobs" list and
insert every configuration into the configured store. Jobs whose name
already exists are skipped unless --replace is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger := observability.NewLogger()
			_, cfg, err := loadConfig(ctx, nil, logger, false)
			if err != nil {
				return err
			}
			configs, err := readSeedFile(ctx, args[0])
			if err != nil {
				return err
			}

			store, err := jobs.OpenStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			return seedJobs(ctx, cmd.OutOrStdout(), store, jobs.DefaultRegistry(), configs, replace)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace jobs whose name already exists")
	return cmd
}

// readSeedFile decodes path through the same loaders as configuration
// files, so yaml, json and toml documents share one set of rules
func readSeedFile(ctx context.Context, path string) ([]jobs.JobConfiguration, error) {
	doc, err := config.NewFileSource(path, "").Load(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-encode seed file")
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to decode seed file %s", path)
	}
	if len(file.Jobs) == 0 {
		return nil, errors.Newf("seed file %s has no jobs", path)
	}
	return file.Jobs, nil
}

func seedJobs(ctx context.Context, out io.Writer, store jobs.Store, registry *jobs.Registry, configs []jobs.JobConfiguration, replace bool) error {
	existing, err := store.FindConfigurations(ctx, jobs.NotArchived)
	if err != nil {
		return err
	}
	byName := make(map[string]*jobs.JobConfiguration, len(existing))
	for _, c := range existing {
		byName[c.Name] = c
	}

	now := time.Now()
	var inserted, updated, skipped int
	for i := range configs {
		c := &configs[i]
		if err := c.Validate(); err != nil {
			return errors.Wrapf(err, "job %q", c.Name)
		}
		if !registry.Supports(c.Kind) {
			return errors.Wrapf(jobs.ErrUnknownJobKind, "job %q has kind %q", c.Name, c.Kind)
		}

		if prev, ok := byName[c.Name]; ok {
			if !replace {
				skipped++
				continue
			}
			c.ID = prev.ID
			c.Audit = prev.Audit
			c.Audit.ModifiedAt = now
			if err := store.UpdateConfiguration(ctx, c); err != nil {
				return errors.Wrapf(err, "failed to update job %q", c.Name)
			}
			updated++
			continue
		}

		c.ID = 0
		c.Audit = jobs.AuditInfo{CreatedAt: now, ModifiedAt: now}
		if err := store.InsertConfiguration(ctx, c); err != nil {
			return errors.Wrapf(err, "failed to insert job %q", c.Name)
		}
		byName[c.Name] = c
		inserted++
	}

	fmt.Fprintf(out, "Seeded jobs: %d inserted, %d updated, %d skipped\n", inserted, updated, skipped)
	return nil
}
