package cli

import (
	"context"
	"fmt"
	"time"

	jhttp "github.com/santif/jobsched/http"
	"github.com/santif/jobsched/observability"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Long: `Sign an HS256 token with the http.auth secret of the configuration.
The token authorizes the mutating admin routes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			_, cfg, err := loadConfig(ctx, nil, observability.NewLogger(), false)
			if err != nil {
				return err
			}
			token, err := jhttp.IssueToken(cfg.HTTP.Auth, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
