package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

func runHistoryCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", "", "show the interactions of this session")
	limit := fs.Int("n", 20, "maximum rows")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: ontoti history [-session id] [-n N] [-json]")
		return 2
	}

	rt, err := openRuntime(ctx, runtimeOptions{Quiet: true, NewGenerator: generatorOverride})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer rt.Close()

	if *session == "" {
		sessions, err := rt.store.ListSessions(ctx, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "history: %v\n", err)
			return 1
		}
		if *asJSON {
			return writeJSON(stdout, stderr, sessions)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(stdout, "no sessions")
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tCREATED\tLAST ACTIVE")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.CreatedAt.Format(time.RFC3339), s.LastActive.Format(time.RFC3339))
		}
		_ = tw.Flush()
		return 0
	}

	items, err := rt.store.RecentInteractions(ctx, *session, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	if *asJSON {
		return writeJSON(stdout, stderr, items)
	}
	// Oldest first reads like a transcript.
	for i := len(items) - 1; i >= 0; i-- {
		in := items[i]
		fmt.Fprintf(stdout, "[%s] > %s\n", in.CreatedAt.Format(time.RFC3339), in.UserText)
		if in.BotText != "" {
			fmt.Fprintf(stdout, "%s\n", in.BotText)
		}
	}
	return 0
}
