package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log [ref]",
		Short: "Show commit history",
		Long: `Show the commits reachable from a branch, tag, or commit, newest first.

Commits replaced by a roll-up are hidden unless --all is given. After a
roll-up the oldest commit shown may still list a parent: that parent and
everything before it were folded into the roll-up. Use --all to walk back
to the first commit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLog,
	}

	cmd.Flags().IntP("number", "n", 10, "Limit number of commits (0 for all)")
	cmd.Flags().Bool("oneline", false, "Show each commit on one line")
	cmd.Flags().Bool("all", false, "Include commits superseded by roll-ups")
	return cmd
}

func runLog(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("number")
	oneline, _ := cmd.Flags().GetBool("oneline")
	all, _ := cmd.Flags().GetBool("all")

	ref := branchFlag(cmd)
	if len(args) == 1 {
		ref = args[0]
	}

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		var commits []*internal.Commit
		for c, err := range e.History(ctx, ref, internal.HistoryOptions{Limit: limit, IncludeSuperseded: all}) {
			if err != nil {
				return fmt.Errorf("get log: %w", err)
			}
			commits = append(commits, c)
		}

		if jsonFlag(cmd) {
			out := make([]map[string]any, 0, len(commits))
			for _, c := range commits {
				out = append(out, commitJSON(c))
			}
			return outputJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		for _, c := range commits {
			if oneline {
				fmt.Fprintf(w, "%s %s\n", short(c.ID), c.Message)
				continue
			}
			fmt.Fprintf(w, "commit %s", c.ID)
			if c.Kind == internal.CommitRollup {
				fmt.Fprint(w, " (roll-up)")
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Date:   %s\n", c.Timestamp.Format("Mon Jan 2 15:04:05 2006 -0700"))
			fmt.Fprintf(w, "Events: %d\n\n", len(c.EventIDs))
			fmt.Fprintf(w, "    %s\n\n", c.Message)
		}
		return nil
	})
}
