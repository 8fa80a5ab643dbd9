package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector index from stored embeddings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
				n, err := e.RebuildIndex(ctx)
				if err != nil {
					return fmt.Errorf("rebuild index: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d vectors\n", n)
				return nil
			})
		},
	}
}
