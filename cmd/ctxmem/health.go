package main

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Aliases: []string{"status"},
		Short:   "Show component health and store statistics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
				h := e.Health(ctx)
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}

				if jsonFlag(cmd) {
					return outputJSON(cmd, map[string]any{"health": h, "stats": stats})
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "status: %s\n", h.Status)
				for _, name := range slices.Sorted(maps.Keys(h.Components)) {
					c := h.Components[name]
					line := fmt.Sprintf("  %-9s %s", name, c.Status)
					if c.Detail != "" {
						line += " (" + c.Detail + ")"
					}
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "events: %d  commits: %d  branches: %d  tags: %d  vectors: %d\n",
					stats.Events, stats.Commits, stats.Branches, stats.Tags, e.Index().Len())
				return nil
			})
		},
	}
}
