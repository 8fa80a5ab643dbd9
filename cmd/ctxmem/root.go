package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
	"github.com/4thel00z/ctxmem/internal/logging"
)

const defaultConfigPath = "ctxmem.yaml"

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ctxmem",
		Short:         "Versioned context memory for agents",
		Long:          `Record events, commit them on branches and assemble budgeted context packs with hybrid retrieval.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	setHelpWithExternals(rootCmd)

	rootCmd.AddCommand(
		NewInitCmd(),
		NewAppendCmd(),
		NewCommitCmd(),
		NewGetCmd(),
		NewBranchCmd(),
		NewTagCmd(),
		NewLogCmd(),
		NewResolveCmd(),
		NewDiffCmd(),
		NewRetrieveCmd(),
		NewRollupCmd(),
		NewReindexCmd(),
		NewHealthCmd(),
		NewPolicyCmd(),
		NewRunCmd(),
	)

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", envOr("CTXMEM_CONFIG", defaultConfigPath), "Config file (YAML or TOML)")
	cmd.PersistentFlags().String("data-dir", os.Getenv("CTXMEM_DATA_DIR"), "Override the data directory")
	cmd.PersistentFlags().String("branch", "", "Target branch (default from config)")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig reads the config named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*internal.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// withEngine opens the store for the duration of fn.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *internal.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cmd.ErrOrStderr())
	logging.SetDefault(logger)
	ctx := logging.With(cmd.Context(), logger)

	e, err := internal.Open(ctx, cfg, internal.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	runErr := fn(ctx, e)
	if err := e.Close(); err != nil && runErr == nil {
		return fmt.Errorf("close store: %w", err)
	}
	return runErr
}

func branchFlag(cmd *cobra.Command) string {
	b, _ := cmd.Flags().GetString("branch")
	return b
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func setHelpWithExternals(cmd *cobra.Command) {
	defaultHelp := cmd.HelpFunc()

	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)
		if c == c.Root() {
			printExternalCommands(c)
		}
	})
}

func printExternalCommands(cmd *cobra.Command) {
	externals := listPlugins()
	if len(externals) == 0 {
		return
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\nExternal commands (ctxmem-*):")
	for _, name := range externals {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
	}
}
