package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <ref>",
		Short: "Print the commit a branch, tag, or commit id points to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
				r, err := e.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonFlag(cmd) {
					return outputJSON(cmd, map[string]any{
						"commit_id": r.CommitID,
						"kind":      r.Kind,
						"name":      r.Name,
						"branch_id": r.BranchID,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", r.CommitID, r.Kind, r.Name)
				return nil
			})
		},
	}
}
