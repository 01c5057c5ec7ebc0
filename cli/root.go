package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X github.com/santif/jobsched/cli.Version=..."
var (
	Version   = "dev"
	BuildHash = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "jobsched",
	Short: "jobsched - recurring job scheduler",
	Long: `jobsched runs recurring jobs on calendar or interval schedules,
persists their configuration and execution statistics, and exposes an
admin HTTP API to manage them.

Configuration is read from the file given with --config, then from
JOBSCHED_* environment variables (nested keys separated by "__"), then
from command line flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (yaml, json or toml)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newNextCommand())
	rootCmd.AddCommand(newSeedCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newVersionCommand())
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jobsched %s (%s)\n", Version, BuildHash)
		},
	}
}
