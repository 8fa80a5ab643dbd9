package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/4thel00z/ctxmem/internal"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and check retrieval policies",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the latest version of every policy",
			Args:  cobra.NoArgs,
			RunE:  runPolicyList,
		},
		&cobra.Command{
			Use:   "show <id[@version]>",
			Short: "Print a policy as YAML",
			Args:  cobra.ExactArgs(1),
			RunE:  runPolicyShow,
		},
		&cobra.Command{
			Use:   "check <file>",
			Short: "Validate a policy file without loading it",
			Args:  cobra.ExactArgs(1),
			RunE:  runPolicyCheck,
		},
	)
	return cmd
}

func runPolicyList(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		policies := e.Policies().List()
		if jsonFlag(cmd) {
			out := make(map[string]any, len(policies))
			for _, p := range policies {
				out[p.Ref()] = internal.PolicyConfigOf(p)
			}
			return outputJSON(cmd, out)
		}
		for _, p := range policies {
			fmt.Fprintln(cmd.OutOrStdout(), p.Ref())
		}
		return nil
	})
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		p, err := e.Policies().Get(args[0])
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(map[string]internal.PolicyConfig{p.Ref(): internal.PolicyConfigOf(p)})
		if err != nil {
			return fmt.Errorf("marshal policy: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	})
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	cfgs, err := internal.LoadPolicyFile(args[0])
	if err != nil {
		return err
	}

	cfg := internal.DefaultConfig()
	cfg.Policies = cfgs
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d policies OK\n", len(cfgs))
	return nil
}
