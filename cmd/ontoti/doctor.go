package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Diagnose whatever Load produced, including a rejected config.
	cfg, loadErr := config.Load()
	diag := doctor.Run(ctx, &cfg, loadErr, Version)

	if *jsonOutput {
		return writeJSON(stdout, stderr, diag)
	}

	fmt.Fprintf(stdout, "Ontoti Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "       %s\n", res.Detail)
		}
	}
	if diag.Failures() > 0 {
		return 1
	}
	return 0
}
