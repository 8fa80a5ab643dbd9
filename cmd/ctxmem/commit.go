package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewCommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <event-id>...",
		Short: "Make appended events visible on a branch",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCommit,
	}

	cmd.Flags().StringP("message", "m", "", "Commit message")
	cmd.Flags().String("expect-head", "", "Fail unless the branch head is this commit")
	return cmd
}

func runCommit(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	req := internal.CommitRequest{
		Branch:   branchFlag(cmd),
		EventIDs: args,
		Message:  message,
	}
	if cmd.Flags().Changed("expect-head") {
		head, _ := cmd.Flags().GetString("expect-head")
		req.ExpectedHead = &head
	}

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		c, err := e.Commit(ctx, req)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if jsonFlag(cmd) {
			return outputJSON(cmd, commitJSON(c))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s (%d events)\n", short(c.ID), c.Message, len(c.EventIDs))
		return nil
	})
}

func commitJSON(c *internal.Commit) map[string]any {
	out := map[string]any{
		"id":        c.ID,
		"branch_id": c.BranchID,
		"kind":      c.Kind,
		"events":    c.EventIDs,
		"message":   c.Message,
		"timestamp": c.Timestamp,
	}
	if c.Parent != "" {
		out["parent"] = c.Parent
	}
	if len(c.Supersedes) > 0 {
		out["supersedes"] = c.Supersedes
	}
	return out
}
