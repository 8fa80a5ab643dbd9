package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewRetrieveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "retrieve <query>",
		Aliases: []string{"search"},
		Short:   "Assemble a context pack for a query",
		Long: `Rank the events visible at a ref by vector and text similarity, apply a
policy and pack the best blocks into a token budget.`,
		Example: `  ctxmem retrieve "why did we pick sqlite"
  ctxmem retrieve --ref v1.0 --policy strict --budget 512 "release blockers"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRetrieve,
	}

	cmd.Flags().String("ref", "", "Branch, tag, or commit to read (default: current branch)")
	cmd.Flags().String("policy", internal.DefaultPolicyID, "Policy id, optionally pinned as id@version")
	cmd.Flags().Int("k", 10, "Number of candidates")
	cmd.Flags().Int("budget", -1, "Token budget (default from config)")
	cmd.Flags().StringSlice("type", nil, "Only these event types")
	cmd.Flags().Duration("since", 0, "Only events newer than this")
	return cmd
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ref, _ := cmd.Flags().GetString("ref")
	policy, _ := cmd.Flags().GetString("policy")
	k, _ := cmd.Flags().GetInt("k")
	budget, _ := cmd.Flags().GetInt("budget")
	types, _ := cmd.Flags().GetStringSlice("type")
	since, _ := cmd.Flags().GetDuration("since")

	if ref == "" {
		ref = branchFlag(cmd)
	}
	req := internal.RetrievalRequest{
		QueryText: strings.Join(args, " "),
		BranchRef: ref,
		PolicyID:  policy,
		K:         k,
		Filters:   internal.Filters{Types: types},
	}
	if cmd.Flags().Changed("budget") {
		req.TokenBudget = &budget
	}
	if since > 0 {
		req.Filters.Since = time.Now().Add(-since)
	}

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		resp, err := e.Retrieve(ctx, req)
		if err != nil {
			return fmt.Errorf("retrieve: %w", err)
		}
		if jsonFlag(cmd) {
			return outputJSON(cmd, resp)
		}
		printPack(cmd, resp)
		return nil
	})
}

func printPack(cmd *cobra.Command, resp *internal.RetrievalResponse) {
	w := cmd.OutOrStdout()
	pack := resp.Pack

	fmt.Fprintf(w, "commit %s  policy %s  %d tokens", short(resp.ResolvedCommit), resp.Policy, pack.TotalTokens)
	if pack.Truncated {
		fmt.Fprint(w, "  (truncated)")
	}
	if resp.Degraded {
		fmt.Fprint(w, "  (degraded)")
	}
	fmt.Fprintln(w)

	for i, b := range pack.Blocks {
		fmt.Fprintf(w, "\n%d. [%s] %s  score %.3f  %s\n", i+1, b.Provenance.EventType, short(b.EventID), b.Score,
			b.Provenance.Timestamp.Format(time.DateTime))
		fmt.Fprintln(w, indent(b.Content))
	}

	if len(pack.PolicyDecisions) > 0 {
		fmt.Fprintln(w, "\ndecisions:")
		for _, d := range pack.PolicyDecisions {
			if d.EventID == "" {
				fmt.Fprintf(w, "  %s: %s\n", d.Action, d.Reason)
				continue
			}
			fmt.Fprintf(w, "  %s %s: %s\n", d.Action, short(d.EventID), d.Reason)
		}
	}
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
