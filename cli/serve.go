package cli

import (
	"context"

	"github.com/santif/jobsched/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its admin API",
		Long: `Start the scheduler, load every active job from the configured store
and serve the admin API until SIGINT or SIGTERM is received.

Changes to the configuration file are picked up while running; only the
log level is applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.Flags())
		},
	}

	cmd.Flags().String("http-host", "", "Admin API listen host")
	cmd.Flags().Int("http-port", 0, "Admin API listen port")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error, critical)")
	cmd.Flags().String("store", "", "Store type (memory, postgres, sqlite, redis)")
	return cmd
}

func runServe(ctx context.Context, flags *pflag.FlagSet) error {
	if ctx == nil {
		ctx = context.Background()
	}

	bootstrap := observability.NewLogger()
	manager, cfg, err := loadConfig(ctx, flags, bootstrap, true)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	app, err := NewApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}

	manager.Watch(func(v interface{}) {
		updated := v.(*AppConfig)
		if setter, ok := logger.(observability.LevelSetter); ok {
			setter.SetLevel(updated.Logger.Level)
			logger.Info("Log level changed", observability.NewField("level", string(updated.Logger.Level)))
		}
	})
	if err := manager.StartWatching(ctx, cfg); err != nil {
		logger.Warn("Configuration file will not be watched", observability.NewField("error", err.Error()))
	}
	app.Service.RegisterShutdownHook(func(context.Context) error {
		manager.StopWatching()
		return nil
	})

	timeout := cfg.HTTP.ShutdownTimeout + cfg.Scheduler.ShutdownTimeout
	return app.Service.Run(ctx, timeout)
}
