package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

func runAuditCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: ontoti audit <verify|tail> [-n N] [-json]")
		return 2
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))
	fs := flag.NewFlagSet("audit "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("n", 20, "tail: number of events")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if action != "verify" && action != "tail" {
		fmt.Fprintf(stderr, "unknown audit action %q\n", action)
		return 2
	}

	rt, err := openRuntime(ctx, runtimeOptions{Quiet: true, NewGenerator: generatorOverride})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer rt.Close()

	if action == "verify" {
		res, err := rt.ledger.Verify(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "audit: %v\n", err)
			return 1
		}
		if *asJSON {
			if code := writeJSON(stdout, stderr, res); code != 0 {
				return code
			}
		} else if res.OK {
			fmt.Fprintf(stdout, "audit chain ok (%d events)\n", res.Count)
		} else {
			fmt.Fprintf(stdout, "audit chain BROKEN at event %d\n", res.BrokenAt)
		}
		if !res.OK {
			return 1
		}
		return 0
	}

	events, err := rt.ledger.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	if *asJSON {
		return writeJSON(stdout, stderr, events)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tACTOR\tACTION\tRESULT\tHASH")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.Timestamp, ev.Actor, ev.Action, ev.Result, shortHash(ev.EventHash))
	}
	_ = tw.Flush()
	return 0
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
