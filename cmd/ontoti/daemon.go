package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/cron"
)

const replSession = "repl"

type daemonOptions struct {
	repl bool
}

func runDaemonCommand(ctx context.Context, opts daemonOptions, stdin io.Reader, stdout, stderr io.Writer) int {
	interactive := opts.repl && os.Getenv("ONTOTI_NO_REPL") == "" && isTerminal(stdin)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	rt, err := openRuntime(ctx, runtimeOptions{Quiet: interactive, NewGenerator: generatorOverride})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer rt.Close()
	logger := rt.logger

	sched := rt.scheduler()
	if err := sched.Start(ctx); err != nil {
		logger.Error("startup failure", "reason_code", "E_SCHEDULER_START", "error", err)
		fmt.Fprintf(stderr, "startup failure (E_SCHEDULER_START): %v\n", err)
		return 1
	}
	defer sched.Stop()

	confWatcher := config.NewWatcher(rt.cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
				reloadServices(ctx, rt, sched)
			}
		}()
	}
	logger.Info("daemon running", "repl", interactive, "live_jobs", len(sched.LiveJobIDs()))

	if interactive {
		go func() {
			if err := runREPL(ctx, rt, sched, stdin, stdout); err != nil && ctx.Err() == nil {
				logger.Error("repl exited with error", "error", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return 0
}

// reloadServices re-reads the home directory and rebinds the container.
// Invalid configs leave the running services in place.
func reloadServices(ctx context.Context, rt *runtime, sched *cron.Scheduler) {
	cfg, err := config.LoadFrom(rt.cfg.HomeDir)
	if err != nil {
		rt.logger.Error("config reload rejected; retaining previous services", "error", err)
		return
	}
	changed, err := rt.container.Rebind(ctx, cfg)
	if err != nil {
		rt.logger.Error("rebind failed; retaining previous services", "error", err)
		return
	}
	if !changed {
		rt.logger.Debug("config reload: nothing to rebind")
		return
	}
	if err := sched.Reload(ctx); err != nil {
		rt.logger.Error("scheduler reload failed", "error", err)
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

const replHelp = `commands:
  /agents     list tracked agents
  /topology   show the agent graph as JSON
  /bus [n]    show the newest bus messages
  /jobs       list live scheduled jobs
  /help       show this help
  /quit       leave
anything else is sent as a message`

// runREPL reads one message per line until EOF, /quit or ctx is done.
func runREPL(ctx context.Context, rt *runtime, sched *cron.Scheduler, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Fprintf(out, "ontoti %s. Type /help for commands.\n> ", Version)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/"):
			replCommand(rt, sched, line, out)
		default:
			res, err := rt.container.ProcessMessage(ctx, replSession, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else {
				printResult(out, res)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func replCommand(rt *runtime, sched *cron.Scheduler, line string, out io.Writer) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Fprintln(out, replHelp)
	case "/agents":
		records := rt.container.Registry().Snapshot()
		if len(records) == 0 {
			fmt.Fprintln(out, "no agents")
			return
		}
		for _, rec := range records {
			fmt.Fprintf(out, "%s %-12s %-7s task=%s tokens=%d\n", rec.AgentID, rec.Role, rec.Status, rec.TaskID, rec.TokenUsage)
		}
	case "/topology":
		raw, err := json.MarshalIndent(rt.container.Registry().Topology(), "", "  ")
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		fmt.Fprintln(out, string(raw))
	case "/bus":
		limit := 10
		if len(fields) > 1 {
			if _, err := fmt.Sscanf(fields[1], "%d", &limit); err != nil {
				fmt.Fprintln(out, "usage: /bus [n]")
				return
			}
		}
		for _, msg := range rt.container.Current().Bus.Recent(limit) {
			fmt.Fprintf(out, "%s %s -> %s p=%d task=%s %v\n",
				msg.Timestamp.Format(time.TimeOnly), msg.SenderID, msg.ReceiverID, msg.Priority, msg.TaskID, msg.Payload)
		}
	case "/jobs":
		ids := sched.LiveJobIDs()
		if len(ids) == 0 {
			fmt.Fprintln(out, "no live jobs")
			return
		}
		for _, id := range ids {
			next, _ := sched.NextRun(id)
			fmt.Fprintf(out, "%s next=%s\n", id, next.Format(time.RFC3339))
		}
	default:
		fmt.Fprintf(out, "unknown command %s\n%s\n", fields[0], replHelp)
	}
}
