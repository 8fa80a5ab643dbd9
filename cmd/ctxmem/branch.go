package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List, create, fork, or delete branches",
		Long: `List branches, create an empty branch, fork a branch from a ref with
--from, or delete a branch with -d.`,
		Example: `  ctxmem branch
  ctxmem branch experiment --from main
  ctxmem branch hotfix --from v1.0
  ctxmem branch -d experiment`,
		Args: cobra.MaximumNArgs(1),
		RunE: runBranch,
	}

	cmd.Flags().BoolP("delete", "d", false, "Delete branch")
	cmd.Flags().String("from", "", "Fork from this branch, tag, or commit")
	return cmd
}

func runBranch(cmd *cobra.Command, args []string) error {
	del, _ := cmd.Flags().GetBool("delete")
	from, _ := cmd.Flags().GetString("from")

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		if len(args) == 0 {
			return listBranches(ctx, cmd, e)
		}

		name := args[0]
		switch {
		case del:
			if err := e.DeleteBranch(ctx, name); err != nil {
				return fmt.Errorf("delete branch: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted branch %s\n", name)
		case from != "":
			b, err := e.Fork(ctx, from, name)
			if err != nil {
				return fmt.Errorf("fork branch: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked %s from %s at %s\n", b.Name, from, headLabel(b.Head))
		default:
			if _, err := e.CreateBranch(ctx, name); err != nil {
				return fmt.Errorf("create branch: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s\n", name)
		}
		return nil
	})
}

func listBranches(ctx context.Context, cmd *cobra.Command, e *internal.Engine) error {
	branches, err := e.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}

	names := make(map[string]string, len(branches))
	for _, b := range branches {
		names[b.ID] = b.Name
	}

	if jsonFlag(cmd) {
		out := make([]map[string]any, 0, len(branches))
		for _, b := range branches {
			out = append(out, map[string]any{
				"id":         b.ID,
				"name":       b.Name,
				"head":       b.Head,
				"parent":     names[b.ParentBranchID],
				"created_at": b.CreatedAt,
			})
		}
		return outputJSON(cmd, out)
	}

	current := branchFlag(cmd)
	if current == "" {
		current = e.Config().DefaultBranch
	}
	for _, b := range branches {
		prefix := "  "
		if b.Name == current {
			prefix = "* "
		}
		line := fmt.Sprintf("%s%-20s %s", prefix, b.Name, headLabel(b.Head))
		if parent := names[b.ParentBranchID]; parent != "" {
			line += " (from " + parent + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func headLabel(head string) string {
	if head == "" {
		return "(no commits)"
	}
	return short(head)
}
