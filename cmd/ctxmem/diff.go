package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <from> [to]",
		Short: "Show events visible at one ref but not the other",
		Long:  `Compare the events visible at two refs. The second ref defaults to the current branch.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runDiff,
	}

	return cmd
}

func runDiff(cmd *cobra.Command, args []string) error {
	from := args[0]
	to := branchFlag(cmd)
	if len(args) == 2 {
		to = args[1]
	}

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		if to == "" {
			to = e.Config().DefaultBranch
		}
		d, err := e.Diff(ctx, from, to)
		if err != nil {
			return fmt.Errorf("get diff: %w", err)
		}

		if jsonFlag(cmd) {
			return outputJSON(cmd, map[string]any{
				"from":    d.From,
				"to":      d.To,
				"added":   d.Added,
				"removed": d.Removed,
			})
		}

		if d.Empty() {
			fmt.Fprintln(cmd.OutOrStdout(), "No changes.")
			return nil
		}
		out, err := e.RenderDiff(ctx, d)
		if err != nil {
			return fmt.Errorf("render diff: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	})
}
