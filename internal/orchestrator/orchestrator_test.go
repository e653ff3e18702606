package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/ontoti/internal/agent"
	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/bus"
	"github.com/basket/ontoti/internal/coordinator"
	"github.com/basket/ontoti/internal/persistence"
	"github.com/basket/ontoti/internal/persona"
)

type genCall struct {
	system string
	user   string
}

// scriptedGen answers through respond and records every call.
type scriptedGen struct {
	mu      sync.Mutex
	calls   []genCall
	respond func(user string) string
}

func (g *scriptedGen) Generate(_ context.Context, system, user string) string {
	g.mu.Lock()
	g.calls = append(g.calls, genCall{system: system, user: user})
	g.mu.Unlock()
	if g.respond == nil {
		return "reply to: " + user
	}
	return g.respond(user)
}

func (g *scriptedGen) callsFor(user string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.user == user {
			n++
		}
	}
	return n
}

type fixture struct {
	orch   *Orchestrator
	gen    *scriptedGen
	bus    *bus.LocalBus
	store  *persistence.Store
	ledger *audit.Ledger
}

func newFixture(t *testing.T, gen *scriptedGen, settings Settings) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ontoti.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ledger, err := audit.New(audit.Config{Store: store})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	b := bus.NewLocal(100)
	orch, err := New(Config{
		Generator: gen,
		Registry:  agent.NewRegistry(),
		Bus:       b,
		Audit:     ledger,
		Store:     store,
		Persona:   persona.Snapshot{Name: "Nexa", Skills: []string{"search"}},
		Settings:  settings,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{orch: orch, gen: gen, bus: b, store: store, ledger: ledger}
}

func TestNew_RequiresGenerator(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without generator")
	}
}

func TestShouldDelegate(t *testing.T) {
	f := newFixture(t, &scriptedGen{}, Settings{})
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"long plain text", strings.Repeat("a", 200), true},
		{"exactly threshold", strings.Repeat("a", 180), false},
		{"conjunction", "Do X and Y", true},
		{"conjunction any case", "Do X AND Y", true},
		{"semicolon", "Do X; do Y", true},
		{"short greeting", "Hello", false},
		{"conjunction inside word", "Understand bandwidth", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.orch.ShouldDelegate(tc.text); got != tc.want {
				t.Fatalf("ShouldDelegate(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestProcessMessage_DelegationCases(t *testing.T) {
	cases := []struct {
		text      string
		delegated bool
	}{
		{strings.Repeat("x", 200), true},
		{"Do X and Y", true},
		{"Do X; do Y", true},
		{"Hello", false},
	}
	for _, tc := range cases {
		f := newFixture(t, &scriptedGen{}, Settings{})
		res, err := f.orch.ProcessMessage(context.Background(), "s1", tc.text)
		if err != nil {
			t.Fatalf("ProcessMessage(%q): %v", tc.text, err)
		}
		if res.Delegated != tc.delegated {
			t.Fatalf("ProcessMessage(%q).Delegated = %v, want %v", tc.text, res.Delegated, tc.delegated)
		}
		if tc.delegated && len(res.SubResults) == 0 {
			t.Fatalf("ProcessMessage(%q): expected sub results", tc.text)
		}
		if !tc.delegated && len(res.SubResults) != 0 {
			t.Fatalf("ProcessMessage(%q): unexpected sub results %+v", tc.text, res.SubResults)
		}
	}
}

func TestProcessMessage_DirectReply(t *testing.T) {
	f := newFixture(t, &scriptedGen{}, Settings{})
	ctx := context.Background()

	res, err := f.orch.ProcessMessage(ctx, "s1", "Hello")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Reply != "reply to: Hello" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if !strings.HasPrefix(res.TaskID, "t-") || len(res.TaskID) != 12 {
		t.Fatalf("task id = %q", res.TaskID)
	}
	if res.ContextUsed.Persona != "Nexa" || res.ContextUsed.ActiveSkills != 1 {
		t.Fatalf("context used = %+v", res.ContextUsed)
	}
	if !strings.HasPrefix(f.gen.calls[0].system, "You are Nexa") {
		t.Fatalf("system prompt = %q", f.gen.calls[0].system)
	}

	snap := f.orch.Registry().Snapshot()
	if len(snap) != 1 || snap[0].Role != agent.RoleOrchestrator || snap[0].Status != agent.StatusDone {
		t.Fatalf("registry snapshot = %+v", snap)
	}

	msgs := f.bus.Recent(0)
	if len(msgs) != 2 {
		t.Fatalf("bus messages = %d, want 2", len(msgs))
	}
	if msgs[0].SenderID != bus.ParticipantUser || msgs[0].ReceiverID != snap[0].AgentID || msgs[0].Priority != bus.PriorityUserTurn {
		t.Fatalf("unexpected inbound message %+v", msgs[0])
	}
	if msgs[1].ReceiverID != bus.ParticipantUser || msgs[1].Payload["reply"] != "reply to: Hello" {
		t.Fatalf("unexpected outbound message %+v", msgs[1])
	}

	interactions, err := f.store.RecentInteractions(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent interactions: %v", err)
	}
	if len(interactions) != 1 || interactions[0].TaskID != res.TaskID || interactions[0].BotText != res.Reply {
		t.Fatalf("interactions = %+v", interactions)
	}

	events, err := f.ledger.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(events) != 1 || events[0].Actor != ActorOrchestrator || events[0].Action != "process_message" || events[0].Result != audit.ResultOK {
		t.Fatalf("audit events = %+v", events)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(events[0].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["delegated"] != false || payload["sub_agents"] != float64(0) {
		t.Fatalf("audit payload = %v", payload)
	}
}

func TestProcessMessage_SequentialPipelinePassesContext(t *testing.T) {
	gen := &scriptedGen{respond: func(user string) string {
		switch {
		case user == "Find flights":
			return "flight AB123"
		case strings.HasSuffix(user, "Task:\nbook a hotel"):
			return "hotel booked"
		default:
			return "final answer"
		}
	}}
	f := newFixture(t, gen, Settings{MaxActive: 4, Mode: coordinator.ModeSequential})

	res, err := f.orch.ProcessMessage(context.Background(), "s1", "Find flights and book a hotel")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(res.SubResults) != 2 {
		t.Fatalf("sub results = %+v", res.SubResults)
	}
	if res.SubResults[0].StageID != "s1" || res.SubResults[1].StageID != "s2" {
		t.Fatalf("stage order = %s, %s", res.SubResults[0].StageID, res.SubResults[1].StageID)
	}
	if res.SubResults[1].Output != "hotel booked" {
		t.Fatalf("s2 output = %q", res.SubResults[1].Output)
	}
	if want := "Context from previous stages:\nflight AB123\n\nTask:\nbook a hotel"; gen.callsFor(want) != 1 {
		t.Fatalf("s2 did not receive s1 output as context; calls = %+v", gen.calls)
	}
	if res.Reply != "final answer" {
		t.Fatalf("reply = %q", res.Reply)
	}
	last := gen.calls[len(gen.calls)-1].user
	if !strings.Contains(last, "flight AB123\nhotel booked") || !strings.HasSuffix(last, "User question:\nFind flights and book a hotel") {
		t.Fatalf("consolidation prompt = %q", last)
	}

	topo := f.orch.Registry().Topology()
	if len(topo.Nodes) != 3 || len(topo.Edges) != 2 {
		t.Fatalf("topology = %+v", topo)
	}
	roles := make(map[string]string, len(topo.Nodes))
	for _, n := range topo.Nodes {
		roles[n.AgentID] = n.Role
	}
	for i, sr := range res.SubResults {
		want := agent.WorkerRole(i + 1)
		if sr.Role != want || roles[sr.AgentID] != want {
			t.Fatalf("stage %s role = %q (registry %q), want %q", sr.StageID, sr.Role, roles[sr.AgentID], want)
		}
	}
	for _, e := range topo.Edges {
		if e.TaskID != res.TaskID {
			t.Fatalf("edge task id = %q, want %q", e.TaskID, res.TaskID)
		}
	}

	var stageMsgs int
	for _, m := range f.bus.Recent(0) {
		if m.Priority == bus.PriorityStageResult {
			stageMsgs++
		}
	}
	if stageMsgs != 2 {
		t.Fatalf("stage bus messages = %d, want 2", stageMsgs)
	}
}

func TestProcessMessage_IndependentStagesGetNoContext(t *testing.T) {
	gen := &scriptedGen{}
	f := newFixture(t, gen, Settings{Mode: coordinator.ModeIndependent})

	if _, err := f.orch.ProcessMessage(context.Background(), "s1", "Do X; do Y"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if gen.callsFor("Do X") != 1 || gen.callsFor("do Y") != 1 {
		t.Fatalf("independent stages should see bare prompts; calls = %+v", gen.calls)
	}
}

func TestProcessMessage_RetriesThenFailureString(t *testing.T) {
	gen := &scriptedGen{respond: func(string) string { return "" }}
	f := newFixture(t, gen, Settings{MaxActive: 2, MaxRetries: 2})

	res, err := f.orch.ProcessMessage(context.Background(), "s1", "Do X; do Y")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(res.SubResults) != 1 {
		t.Fatalf("stage budget not applied: %+v", res.SubResults)
	}
	stage := res.SubResults[0]
	if stage.Output != StageFailure || !stage.Failed || stage.Attempts != 3 {
		t.Fatalf("stage = %+v", stage)
	}
	if n := gen.callsFor("Do X"); n != 3 {
		t.Fatalf("generator called %d times for the stage, want 3", n)
	}

	for _, rec := range f.orch.Registry().Snapshot() {
		if rec.Output == nil {
			t.Fatalf("agent %s finished without output", rec.AgentID)
		}
	}
}

func TestProcessMessage_RetryStopsOnFirstOutput(t *testing.T) {
	var n int
	gen := &scriptedGen{respond: func(user string) string {
		if user == "Do X" {
			n++
			if n < 2 {
				return ""
			}
			return "done"
		}
		return "ok"
	}}
	f := newFixture(t, gen, Settings{MaxActive: 2, MaxRetries: 5})

	res, err := f.orch.ProcessMessage(context.Background(), "s1", "Do X; do Y")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.SubResults[0].Output != "done" || res.SubResults[0].Attempts != 2 {
		t.Fatalf("stage = %+v", res.SubResults[0])
	}
}

func TestProcessMessage_PlanningErrorIsBlocked(t *testing.T) {
	gen := &scriptedGen{}
	f := newFixture(t, gen, Settings{})
	f.orch.plan = func(text string, _ coordinator.Options) (coordinator.PlanResult, error) {
		g := coordinator.NewGraph().Add("s1", "s2").Add("s2", "s1")
		return coordinator.PlanGraph([]string{"a", "b"}, g)
	}
	ctx := context.Background()

	_, err := f.orch.ProcessMessage(ctx, "s1", "Do X and Y")
	if !errors.Is(err, coordinator.ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var perr *coordinator.PlanningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PlanningError, got %T", err)
	}

	if len(gen.calls) != 0 {
		t.Fatalf("generator called %d times on a blocked pipeline", len(gen.calls))
	}
	if n := len(f.orch.Registry().Snapshot()); n != 0 {
		t.Fatalf("registry has %d records after blocked pipeline", n)
	}
	if n := f.bus.Len(); n != 0 {
		t.Fatalf("bus has %d messages after blocked pipeline", n)
	}
	interactions, err := f.store.RecentInteractions(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent interactions: %v", err)
	}
	if len(interactions) != 0 {
		t.Fatalf("interactions recorded for blocked pipeline: %+v", interactions)
	}

	events, err := f.ledger.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(events) != 1 || events[0].Action != "pipeline_cycle_detected" || events[0].Result != audit.ResultBlocked {
		t.Fatalf("audit events = %+v", events)
	}
	var payload struct {
		Graph map[string][]string `json:"graph"`
	}
	if err := json.Unmarshal([]byte(events[0].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Graph["s1"]) != 1 || payload.Graph["s1"][0] != "s2" {
		t.Fatalf("graph not in payload: %s", events[0].Payload)
	}
}

func TestProcessMessage_ConcurrentCallsKeepChainValid(t *testing.T) {
	f := newFixture(t, &scriptedGen{}, Settings{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.ProcessMessage(ctx, "s1", "Do X and Y"); err != nil {
				t.Errorf("ProcessMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	res, err := f.ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.Count != 8 {
		t.Fatalf("verify = %+v", res)
	}
}
