package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/basket/ontoti/internal/app"
	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/engine"
	"github.com/basket/ontoti/internal/orchestrator"
	"github.com/basket/ontoti/internal/persistence"
)

type echoGen struct{}

func (echoGen) Generate(_ context.Context, _, user string) string { return "echo: " + user }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// setupHome points the CLI at an empty home and a deterministic generator.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("ONTOTI_HOME", home)
	prev := generatorOverride
	generatorOverride = app.GeneratorFactory(func(context.Context, config.Config) engine.Generator { return echoGen{} })
	t.Cleanup(func() { generatorOverride = prev })
	return home
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, false, strings.NewReader(""), &out, &errOut)
	return cliResult{code: code, stdout: out.String(), stderr: errOut.String()}
}

func TestChatCommand_PrintsReplyAndRecordsHistory(t *testing.T) {
	setupHome(t)

	res := runCLI(t, "chat", "-session", "s1", "Hello there")
	if res.code != 0 {
		t.Fatalf("chat exit = %d, stderr = %q", res.code, res.stderr)
	}
	if strings.TrimSpace(res.stdout) != "echo: Hello there" {
		t.Fatalf("stdout = %q", res.stdout)
	}

	hist := runCLI(t, "history", "-session", "s1")
	if hist.code != 0 {
		t.Fatalf("history exit = %d, stderr = %q", hist.code, hist.stderr)
	}
	if !strings.Contains(hist.stdout, "> Hello there") || !strings.Contains(hist.stdout, "echo: Hello there") {
		t.Fatalf("history = %q", hist.stdout)
	}

	sessions := runCLI(t, "history")
	if !strings.Contains(sessions.stdout, "s1") {
		t.Fatalf("sessions = %q", sessions.stdout)
	}
}

func TestChatCommand_DelegatedJSON(t *testing.T) {
	setupHome(t)

	res := runCLI(t, "chat", "-json", "Research the topic and summarize the findings")
	if res.code != 0 {
		t.Fatalf("chat exit = %d, stderr = %q", res.code, res.stderr)
	}
	var out orchestrator.Result
	if err := json.Unmarshal([]byte(res.stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, res.stdout)
	}
	if !out.Delegated || len(out.SubResults) != 2 {
		t.Fatalf("expected 2-stage delegation, got %+v", out)
	}
	if out.SubResults[1].DependsOn[0] != "s1" {
		t.Fatalf("stage 2 deps = %v", out.SubResults[1].DependsOn)
	}
	if out.SubResults[0].Role != "worker-1" || out.SubResults[1].Role != "worker-2" {
		t.Fatalf("stage roles = %q, %q", out.SubResults[0].Role, out.SubResults[1].Role)
	}
}

func TestChatCommand_Usage(t *testing.T) {
	setupHome(t)
	if res := runCLI(t, "chat"); res.code != 2 {
		t.Fatalf("chat without text exit = %d", res.code)
	}
}

func TestAuditCommand_VerifyAndTail(t *testing.T) {
	setupHome(t)
	if res := runCLI(t, "chat", "Hello"); res.code != 0 {
		t.Fatalf("chat: %q", res.stderr)
	}

	verify := runCLI(t, "audit", "verify")
	if verify.code != 0 || !strings.Contains(verify.stdout, "audit chain ok (1 events)") {
		t.Fatalf("verify = %d %q %q", verify.code, verify.stdout, verify.stderr)
	}

	tail := runCLI(t, "audit", "tail", "-json", "-n", "5")
	if tail.code != 0 {
		t.Fatalf("tail exit = %d, stderr = %q", tail.code, tail.stderr)
	}
	var events []persistence.AuditEvent
	if err := json.Unmarshal([]byte(tail.stdout), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Action != "process_message" || events[0].Actor != orchestrator.ActorOrchestrator {
		t.Fatalf("events = %+v", events)
	}

	if res := runCLI(t, "audit", "rewrite"); res.code != 2 {
		t.Fatalf("unknown audit action exit = %d", res.code)
	}
}

func TestJobsCommand_Lifecycle(t *testing.T) {
	setupHome(t)

	add := runCLI(t, "jobs", "add", "-name", "pulse", "-cron", "0 */5 * * * *", "-kind", "heartbeat", "-channel", "ops")
	if add.code != 0 {
		t.Fatalf("add exit = %d, stderr = %q", add.code, add.stderr)
	}
	fields := strings.Fields(add.stdout)
	if len(fields) < 2 || fields[0] != "created" || !strings.HasPrefix(fields[1], "j-") {
		t.Fatalf("add stdout = %q", add.stdout)
	}
	id := fields[1]

	list := runCLI(t, "jobs", "list", "-json")
	var jobs []persistence.Job
	if err := json.Unmarshal([]byte(list.stdout), &jobs); err != nil {
		t.Fatalf("decode list: %v\n%s", err, list.stdout)
	}
	if len(jobs) != 1 || jobs[0].ID != id || !jobs[0].Enabled {
		t.Fatalf("jobs = %+v", jobs)
	}

	if res := runCLI(t, "jobs", "update", id, "-cron", "0 0 * * * *"); res.code != 0 {
		t.Fatalf("update exit = %d, stderr = %q", res.code, res.stderr)
	}
	if res := runCLI(t, "jobs", "pause", id); res.code != 0 {
		t.Fatalf("pause: %q", res.stderr)
	}
	table := runCLI(t, "jobs", "list")
	if !strings.Contains(table.stdout, "0 0 * * * *") || !strings.Contains(table.stdout, "false") {
		t.Fatalf("list table = %q", table.stdout)
	}
	if !strings.Contains(table.stdout, `"channel":"ops"`) {
		t.Fatalf("update dropped payload: %q", table.stdout)
	}
	if res := runCLI(t, "jobs", "resume", id); res.code != 0 {
		t.Fatalf("resume: %q", res.stderr)
	}

	if res := runCLI(t, "jobs", "run", id); res.code != 0 || !strings.Contains(res.stdout, "ran "+id) {
		t.Fatalf("run = %d %q %q", res.code, res.stdout, res.stderr)
	}
	hist := runCLI(t, "history", "-session", "ops")
	if !strings.Contains(hist.stdout, "Heartbeat @") {
		t.Fatalf("heartbeat not recorded: %q", hist.stdout)
	}

	if res := runCLI(t, "jobs", "rm", id); res.code != 0 {
		t.Fatalf("rm: %q", res.stderr)
	}
	if res := runCLI(t, "jobs", "list"); !strings.Contains(res.stdout, "no jobs") {
		t.Fatalf("list after rm = %q", res.stdout)
	}
	if res := runCLI(t, "jobs", "pause", id); res.code != 1 {
		t.Fatalf("pause missing job exit = %d", res.code)
	}
}

func TestJobsCommand_RejectsInvalidInput(t *testing.T) {
	setupHome(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "five field cron", args: []string{"jobs", "add", "-name", "x", "-cron", "*/5 * * * *"}},
		{name: "unknown kind", args: []string{"jobs", "add", "-name", "x", "-cron", "0 * * * * *", "-kind", "email"}},
		{name: "heartbeat with text", args: []string{"jobs", "add", "-name", "x", "-cron", "0 * * * * *", "-kind", "heartbeat", "-text", "hi"}},
		{name: "missing name", args: []string{"jobs", "add", "-cron", "0 * * * * *"}},
		{name: "missing id", args: []string{"jobs", "rm"}},
		{name: "unknown action", args: []string{"jobs", "explode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := runCLI(t, tt.args...); res.code != 2 {
				t.Fatalf("exit = %d, want 2 (stderr %q)", res.code, res.stderr)
			}
		})
	}
	if res := runCLI(t, "jobs", "list"); !strings.Contains(res.stdout, "no jobs") {
		t.Fatalf("invalid input persisted a job: %q", res.stdout)
	}
}

func TestREPL_CommandsAndMessages(t *testing.T) {
	setupHome(t)
	rt, err := openRuntime(context.Background(), runtimeOptions{Quiet: true, NewGenerator: generatorOverride})
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	defer rt.Close()
	sched := rt.scheduler()

	in := strings.NewReader("Hello\n/agents\n/topology\n/bus 2\n/jobs\n/nope\n/quit\nnever sent\n")
	var out bytes.Buffer
	if err := runREPL(context.Background(), rt, sched, in, &out); err != nil {
		t.Fatalf("runREPL: %v", err)
	}
	got := out.String()
	for _, want := range []string{"echo: Hello", "orchestrator", `"edges"`, "user -> ", "no live jobs", "unknown command /nope"} {
		if !strings.Contains(got, want) {
			t.Fatalf("repl output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never sent") {
		t.Fatal("input after /quit was processed")
	}
}

func TestReloadServices_RebindsOnChangeAndKeepsOnInvalid(t *testing.T) {
	home := setupHome(t)
	ctx := context.Background()
	rt, err := openRuntime(ctx, runtimeOptions{Quiet: true, NewGenerator: generatorOverride})
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	defer rt.Close()
	sched := rt.scheduler()
	before := rt.container.Current()

	writeFile(t, config.ConfigPath(home), "agents:\n  max_active: 0\n")
	reloadServices(ctx, rt, sched)
	if rt.container.Current() != before {
		t.Fatal("invalid config replaced services")
	}

	writeFile(t, config.ConfigPath(home), "agents:\n  max_active: 6\n")
	reloadServices(ctx, rt, sched)
	if rt.container.Current() == before {
		t.Fatal("valid config change did not rebind")
	}
}

func TestDoctorCommand_JSONOutput(t *testing.T) {
	home := setupHome(t)
	writeFile(t, config.ConfigPath(home), "llm:\n  base_url: http://localhost:8080/v1\n")

	var out, errOut bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-json"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("doctor exit = %d\n%s%s", code, out.String(), errOut.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) == 0 || diag.Results[0].Name != "Config" || diag.Results[0].Status != "PASS" {
		t.Fatalf("results = %+v", diag.Results)
	}
}

func TestDoctorCommand_InvalidConfigFails(t *testing.T) {
	home := setupHome(t)
	writeFile(t, config.ConfigPath(home), "agents:\n  max_active: 0\n")

	var out, errOut bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &out, &errOut); code != 1 {
		t.Fatalf("doctor exit = %d, want 1\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "[FAIL] Config") {
		t.Fatalf("report = %q", out.String())
	}
}
