package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff is the change in visible events between two commits.
type Diff struct {
	From    string
	To      string
	Added   []string
	Removed []string
}

func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// RenderDiff prints d as a line diff of event summaries, one line per event,
// prefixed with "+" or "-".
func RenderDiff(ctx context.Context, store EventStore, d *Diff) (string, error) {
	before, err := eventLines(ctx, store, d.Removed)
	if err != nil {
		return "", err
	}
	after, err := eventLines(ctx, store, d.Added)
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", shortID(d.From), shortID(d.To))
	for _, df := range diffs {
		prefix := " "
		switch df.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.SplitAfter(df.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
		}
	}
	return sb.String(), nil
}

func eventLines(ctx context.Context, store EventStore, ids []string) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		ev, err := store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		payload := strings.ReplaceAll(ev.Payload, "\n", " ")
		fmt.Fprintf(&sb, "%s [%s] %s\n", shortID(ev.ID), ev.Type, payload)
	}
	return sb.String(), nil
}

func shortID(id string) string {
	if id == "" {
		return "(empty)"
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
