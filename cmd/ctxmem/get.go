package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/4thel00z/ctxmem/internal"
)

func NewGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Show an event",
		Long:  `Show an event by id. Events folded into a roll-up stay readable.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *internal.Engine) error {
				ev, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonFlag(cmd) {
					return outputJSON(cmd, eventJSON(ev))
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "event %s\n", ev.ID)
				fmt.Fprintf(w, "Type:   %s\n", ev.Type)
				fmt.Fprintf(w, "Date:   %s\n", ev.Timestamp.Format("Mon Jan 2 15:04:05 2006 -0700"))
				if ev.Superseded() {
					fmt.Fprintf(w, "Rolled up in %s\n", ev.SupersededBy)
				}
				if len(ev.Provenance) > 0 {
					fmt.Fprintf(w, "From:   %s\n", strings.Join(ev.Provenance, " "))
				}
				fmt.Fprintf(w, "\n%s\n", ev.Payload)
				return nil
			})
		},
	}
}
