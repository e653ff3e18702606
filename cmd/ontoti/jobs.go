package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/ontoti/internal/cron"
	"github.com/basket/ontoti/internal/persistence"
)

const jobsUsage = `usage: ontoti jobs <action>
  list [-json]
  add -name NAME -cron EXPR [-kind chat_message|heartbeat] [-session ID] [-text TEXT] [-channel CH] [-disabled]
  update <job-id> [-name NAME] [-cron EXPR] [-kind KIND] [-session ID] [-text TEXT] [-channel CH] [-enabled=BOOL]
  rm <job-id>
  pause <job-id>
  resume <job-id>
  run <job-id>

Cron expressions have six fields: second minute hour day-of-month month day-of-week.`

// jobFlags collects the add/update flags. set records which flags were
// given so update only overrides those.
type jobFlags struct {
	name, cronExpr          string
	kind, session, text, ch string
	enabled, disabled       bool
	asJSON                  bool
	set                     map[string]bool
}

func parseJobFlags(name string, args []string, stderr io.Writer) (jobFlags, []string, error) {
	fs := flag.NewFlagSet("jobs "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var jf jobFlags
	fs.StringVar(&jf.name, "name", "", "job name")
	fs.StringVar(&jf.cronExpr, "cron", "", "six-field cron expression")
	fs.StringVar(&jf.kind, "kind", cron.KindChatMessage, "payload kind: chat_message or heartbeat")
	fs.StringVar(&jf.session, "session", "", "chat_message session id")
	fs.StringVar(&jf.text, "text", "", "chat_message text")
	fs.StringVar(&jf.ch, "channel", "", "heartbeat channel")
	fs.BoolVar(&jf.disabled, "disabled", false, "create the job paused")
	fs.BoolVar(&jf.enabled, "enabled", true, "whether the job triggers")
	fs.BoolVar(&jf.asJSON, "json", false, "list: print jobs as JSON")

	// Positional id first, flags after, as in "update j-1 -cron ...".
	var positional []string
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional = append(positional, args[0])
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return jobFlags{}, nil, err
	}
	positional = append(positional, fs.Args()...)
	jf.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { jf.set[f.Name] = true })
	return jf, positional, nil
}

func (s jobFlags) payload() cron.Payload {
	return cron.Payload{Kind: s.kind, SessionID: s.session, Text: s.text, Channel: s.ch}
}

// mergeInto overrides the fields of an existing job that were given on the
// command line.
func (s jobFlags) mergeInto(job persistence.Job) (name, cronExpr string, payload cron.Payload, enabled bool, err error) {
	name, cronExpr, enabled = job.Name, job.Cron, job.Enabled
	payload, err = cron.DecodePayload(job.Payload)
	if err != nil {
		return "", "", cron.Payload{}, false, err
	}
	if s.set["name"] {
		name = s.name
	}
	if s.set["cron"] {
		cronExpr = s.cronExpr
	}
	if s.set["kind"] && s.kind != payload.Kind {
		payload = cron.Payload{Kind: s.kind}
	}
	if s.set["session"] {
		payload.SessionID = s.session
	}
	if s.set["text"] {
		payload.Text = s.text
	}
	if s.set["channel"] {
		payload.Channel = s.ch
	}
	if s.set["enabled"] {
		enabled = s.enabled
	}
	if s.set["disabled"] {
		enabled = !s.disabled
	}
	return name, cronExpr, payload, enabled, nil
}

func runJobsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(stdout, jobsUsage)
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))
	jf, positional, err := parseJobFlags(action, args[1:], stderr)
	if err != nil {
		return 2
	}

	needsID := map[string]bool{"update": true, "rm": true, "pause": true, "resume": true, "run": true}
	switch {
	case needsID[action] && len(positional) != 1:
		fmt.Fprintf(stderr, "usage: ontoti jobs %s <job-id>\n", action)
		return 2
	case action == "add" && (strings.TrimSpace(jf.name) == "" || strings.TrimSpace(jf.cronExpr) == ""):
		fmt.Fprintln(stderr, "usage: ontoti jobs add -name NAME -cron EXPR [flags]")
		return 2
	case action == "list" || action == "add" || needsID[action]:
	default:
		fmt.Fprintf(stderr, "unknown jobs action %q\n\n%s\n", action, jobsUsage)
		return 2
	}

	rt, err := openRuntime(ctx, runtimeOptions{Quiet: true, NewGenerator: generatorOverride})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer rt.Close()
	sched := rt.scheduler()

	var id string
	if len(positional) > 0 {
		id = positional[0]
	}

	switch action {
	case "list":
		jobs, err := sched.ListJobs(ctx)
		if err != nil {
			return jobsFailed(stderr, err)
		}
		if jf.asJSON {
			return writeJSON(stdout, stderr, jobs)
		}
		printJobs(stdout, jobs, time.Now())
	case "add":
		enabled := !jf.disabled
		if jf.set["enabled"] {
			enabled = jf.enabled
		}
		job, err := sched.CreateJob(ctx, jf.name, jf.cronExpr, jf.payload(), enabled)
		if err != nil {
			return jobsFailed(stderr, err)
		}
		fmt.Fprintf(stdout, "created %s (%s)\n", job.ID, job.Cron)
	case "update":
		existing, err := rt.store.GetJob(ctx, id)
		if err != nil {
			return jobsFailed(stderr, err)
		}
		name, cronExpr, payload, enabled, err := jf.mergeInto(existing)
		if err != nil {
			return jobsFailed(stderr, err)
		}
		job, err := sched.UpdateJob(ctx, id, name, cronExpr, payload, enabled)
		if err != nil {
			return jobsFailed(stderr, err)
		}
		fmt.Fprintf(stdout, "updated %s (%s)\n", job.ID, job.Cron)
	case "rm":
		if err := sched.DeleteJob(ctx, id); err != nil {
			return jobsFailed(stderr, err)
		}
		fmt.Fprintf(stdout, "deleted %s\n", id)
	case "pause":
		if err := sched.PauseJob(ctx, id); err != nil {
			return jobsFailed(stderr, err)
		}
		fmt.Fprintf(stdout, "paused %s\n", id)
	case "resume":
		if err := sched.ResumeJob(ctx, id); err != nil {
			return jobsFailed(stderr, err)
		}
		fmt.Fprintf(stdout, "resumed %s\n", id)
	case "run":
		ran, err := sched.RunJob(ctx, id)
		if err != nil {
			return jobsFailed(stderr, err)
		}
		if !ran {
			fmt.Fprintf(stdout, "%s is already running\n", id)
			return 0
		}
		fmt.Fprintf(stdout, "ran %s\n", id)
	}
	return 0
}

func jobsFailed(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "jobs: %v\n", err)
	if errors.Is(err, cron.ErrInvalidCron) || errors.Is(err, cron.ErrInvalidPayload) {
		return 2
	}
	return 1
}

func printJobs(w io.Writer, jobs []persistence.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCRON\tENABLED\tNEXT\tPAYLOAD")
	for _, j := range jobs {
		next := "-"
		if j.Enabled {
			if t, err := cron.NextRunTime(j.Cron, now); err == nil {
				next = t.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", j.ID, j.Name, j.Cron, j.Enabled, next, j.Payload)
	}
	_ = tw.Flush()
}
