package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewRollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup [branch]",
		Short: "Fold old commits of a branch into a summary",
		Long: `Run one roll-up on a branch. Old live commits are replaced by a single
roll-up commit holding a summary event; the folded events stay readable.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch := branchFlag(cmd)
			if len(args) == 1 {
				branch = args[0]
			}

			return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
				res, err := e.RollUp(ctx, branch)
				if err != nil {
					return fmt.Errorf("roll-up: %w", err)
				}
				if res == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to roll up.")
					return nil
				}
				if jsonFlag(cmd) {
					return outputJSON(cmd, map[string]any{
						"commit":     commitJSON(res.Commit),
						"summary":    eventJSON(res.SummaryEvent),
						"superseded": res.SupersededEvents,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled up %d commits into %s\n", len(res.Commit.Supersedes), short(res.Commit.ID))
				return nil
			})
		},
	}
}
