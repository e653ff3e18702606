package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/basket/ontoti/internal/orchestrator"
)

const defaultCLISession = "cli"

func runChatCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", defaultCLISession, "session id to record the exchange under")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(stderr, "usage: ontoti chat [-session id] [-json] <text>")
		return 2
	}

	rt, err := openRuntime(ctx, runtimeOptions{Quiet: true, NewGenerator: generatorOverride})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer rt.Close()

	res, err := rt.container.ProcessMessage(ctx, *session, text)
	if err != nil {
		fmt.Fprintf(stderr, "chat: %v\n", err)
		return 1
	}
	if *asJSON {
		return writeJSON(stdout, stderr, res)
	}
	printResult(stdout, res)
	return 0
}

func printResult(w io.Writer, res orchestrator.Result) {
	fmt.Fprintln(w, res.Reply)
	if !res.Delegated {
		return
	}
	fmt.Fprintf(w, "\n[task %s: %d stages]\n", res.TaskID, len(res.SubResults))
	for _, sr := range res.SubResults {
		status := "ok"
		if sr.Failed {
			status = "failed"
		}
		deps := "-"
		if len(sr.DependsOn) > 0 {
			deps = strings.Join(sr.DependsOn, ",")
		}
		fmt.Fprintf(w, "  %s %-7s attempts=%d after=%s agent=%s (%s)\n", sr.StageID, status, sr.Attempts, deps, sr.AgentID, sr.Role)
	}
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
