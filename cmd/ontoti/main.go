package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/ontoti/internal/app"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// generatorOverride replaces the provider-backed generator when non-nil.
var generatorOverride app.GeneratorFactory

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %[1]s:

  %[1]s                          Start the daemon (REPL when stdin is a terminal)
  %[1]s -daemon                  Start the daemon without the REPL

SUBCOMMANDS:
  %[1]s chat [-session id] [-json] <text>
                              Process one message and print the reply
  %[1]s jobs <action>         Manage scheduled jobs
                              Actions: list, add, update, rm, pause, resume, run
  %[1]s audit <action>        Inspect the audit chain
                              Actions: verify, tail [-n N]
  %[1]s history [-session id] [-n N]
                              List sessions, or the interactions of one session
  %[1]s doctor [-json]        Run diagnostic checks
  %[1]s daemon [--help]       Run scheduler, config watcher and REPL
  %[1]s version               Print the version

ENVIRONMENT VARIABLES:
  ONTOTI_HOME             Data directory (default: ~/.ontoti)
  ONTOTI_NO_REPL          Set to 1 to disable the daemon REPL
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider
  OPENAI_API_KEY          Key for openai and openai_compatible
  OPENROUTER_API_KEY      Key for the openrouter provider

FLAGS:
`, os.Args[0])
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run in daemon mode without the stdin REPL")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, flag.Args(), *daemon, os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, daemonFlag bool, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return runDaemonCommand(ctx, daemonOptions{repl: !daemonFlag}, stdin, stdout, stderr)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "chat":
		return runChatCommand(ctx, args[1:], stdout, stderr)
	case "jobs":
		return runJobsCommand(ctx, args[1:], stdout, stderr)
	case "audit":
		return runAuditCommand(ctx, args[1:], stdout, stderr)
	case "history":
		return runHistoryCommand(ctx, args[1:], stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args[1:], stdout, stderr)
	case "daemon":
		mode, err := parseDaemonSubcommandArgs(args[1:])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		if mode == daemonSubcommandHelp {
			printDaemonSubcommandUsage(stdout)
			return 0
		}
		return runDaemonCommand(ctx, daemonOptions{repl: !daemonFlag}, stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: ontoti daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ontoti daemon [--help]")
	fmt.Fprintln(w, "       ontoti -daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the job scheduler and config watcher until interrupted.")
	fmt.Fprintln(w, "A chat REPL reads stdin when it is a terminal.")
}
