package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and create the store",
		Long: `Write a config file with defaults to the --config path and create the
data directory with its default branch. An existing config is kept unless
--force is given.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}

	cmd.Flags().Bool("force", false, "Overwrite an existing config file")
	cmd.Flags().String("embeddings", "", "Embeddings backend (hash|gemini|none)")
	cmd.Flags().String("index", "", "Vector index backend (annoy|chromem)")
	cmd.Flags().Int("dimension", 0, "Embedding dimension")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	force, _ := cmd.Flags().GetBool("force")

	_, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	if !exists || force {
		cfg := internal.DefaultConfig()
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}
		if b, _ := cmd.Flags().GetString("embeddings"); b != "" {
			cfg.Embeddings.Backend = b
		}
		if b, _ := cmd.Flags().GetString("index"); b != "" {
			cfg.Index.Backend = b
		}
		if d, _ := cmd.Flags().GetInt("dimension"); d > 0 {
			cfg.Embeddings.Dimension = d
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := internal.SaveConfig(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	}

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized store in %s (branch %s)\n", e.Config().DataDir, e.Config().DefaultBranch)
		return nil
	})
}
