package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewAppendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append [payload]",
		Short: "Record an event",
		Long: `Record an event on a branch. The payload is read from stdin when it is
omitted or "-". The event is not visible to retrieval until it is committed;
pass --commit to do both.`,
		Example: `  ctxmem append -t decision "use sqlite for the journal"
  git log -1 | ctxmem append -t note --commit`,
		Args: cobra.MaximumNArgs(1),
		RunE: runAppend,
	}

	cmd.Flags().StringP("type", "t", "note", "Event type")
	cmd.Flags().String("expect-parent", "", "Fail unless the branch tip is this event id")
	cmd.Flags().Bool("no-embed", false, "Store without computing an embedding")
	cmd.Flags().BoolP("commit", "c", false, "Commit the event right away")
	cmd.Flags().StringP("message", "m", "", "Commit message with --commit")
	return cmd
}

func readPayload(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func runAppend(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(payload) == "" {
		return fmt.Errorf("empty payload")
	}

	typ, _ := cmd.Flags().GetString("type")
	noEmbed, _ := cmd.Flags().GetBool("no-embed")
	doCommit, _ := cmd.Flags().GetBool("commit")
	message, _ := cmd.Flags().GetString("message")

	in := internal.AppendInput{
		Branch:        branchFlag(cmd),
		Type:          typ,
		Payload:       payload,
		SkipEmbedding: noEmbed,
	}
	if cmd.Flags().Changed("expect-parent") {
		parent, _ := cmd.Flags().GetString("expect-parent")
		in.ExpectParent = &parent
	}

	return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
		ev, err := e.Append(ctx, in)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}

		var commit *internal.Commit
		if doCommit {
			if message == "" {
				message = fmt.Sprintf("%s: %s", ev.Type, short(ev.ID))
			}
			commit, err = e.Commit(ctx, internal.CommitRequest{
				Branch:   in.Branch,
				EventIDs: []string{ev.ID},
				Message:  message,
			})
			if err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}

		if jsonFlag(cmd) {
			out := map[string]any{"event": eventJSON(ev)}
			if commit != nil {
				out["commit"] = commitJSON(commit)
			}
			return outputJSON(cmd, out)
		}

		fmt.Fprintln(cmd.OutOrStdout(), ev.ID)
		if commit != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "committed %s\n", commit.ID)
		}
		return nil
	})
}

func eventJSON(ev *internal.Event) map[string]any {
	out := map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"branch_id": ev.BranchID,
		"payload":   ev.Payload,
		"timestamp": ev.Timestamp,
		"embedded":  ev.EmbeddingID != "",
	}
	if ev.ParentEventID != "" {
		out["parent_id"] = ev.ParentEventID
	}
	if len(ev.Provenance) > 0 {
		out["provenance"] = ev.Provenance
	}
	if ev.Superseded() {
		out["superseded_by"] = ev.SupersededBy
	}
	return out
}
