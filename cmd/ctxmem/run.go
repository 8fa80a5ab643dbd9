package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
	"github.com/4thel00z/ctxmem/internal/logging"
)

func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run background roll-ups and policy reloads until interrupted",
		Long: `Keep the store open, roll up branches on the configured interval and
reload the policy file when it changes. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
				e.Start(ctx)
				logging.From(ctx).Info("ctxmem running",
					"data_dir", e.Config().DataDir,
					"rollup", e.Config().Rollup.Enabled,
					"policy_file", e.Config().PolicyFile)
				<-ctx.Done()
				return nil
			})
		},
	}
}
