package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag [name] [ref]",
		Short: "List, create, or delete tags",
		Long: `List tags, pin a name to the commit a ref resolves to (default: the
current branch head), or delete a tag with -d.`,
		Args: cobra.MaximumNArgs(2),
		RunE: runTag,
	}

	cmd.Flags().BoolP("delete", "d", false, "Delete tag")
	return cmd
}

func runTag(cmd *cobra.Command, args []string) error {
	del, _ := cmd.Flags().GetBool("delete")

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		if len(args) == 0 {
			return listTags(ctx, cmd, e)
		}

		name := args[0]
		if del {
			if err := e.DeleteTag(ctx, name); err != nil {
				return fmt.Errorf("delete tag: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted tag %s\n", name)
			return nil
		}

		ref := branchFlag(cmd)
		if len(args) == 2 {
			ref = args[1]
		}
		if ref == "" {
			ref = e.Config().DefaultBranch
		}
		t, err := e.Tag(ctx, ref, name)
		if err != nil {
			return fmt.Errorf("create tag: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tagged %s as %s\n", short(t.CommitID), t.Name)
		return nil
	})
}

func listTags(ctx context.Context, cmd *cobra.Command, e *internal.Engine) error {
	tags, err := e.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}

	if jsonFlag(cmd) {
		out := make([]map[string]any, 0, len(tags))
		for _, t := range tags {
			out = append(out, map[string]any{
				"name":       t.Name,
				"commit_id":  t.CommitID,
				"created_at": t.CreatedAt,
			})
		}
		return outputJSON(cmd, out)
	}

	for _, t := range tags {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", t.Name, short(t.CommitID))
	}
	return nil
}
