package agent

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
)

func TestRegistry_StartAndFinish(t *testing.T) {
	reg := NewRegistry()

	root := reg.Start("", RoleOrchestrator, "Plan a trip", "t-0000000001")
	if !regexp.MustCompile(`^a-[0-9a-f]{8}$`).MatchString(root.AgentID) {
		t.Fatalf("unexpected agent id %q", root.AgentID)
	}
	if root.Status != StatusRunning || root.Output != nil || root.EndedAt != nil {
		t.Fatalf("unexpected running record: %+v", root)
	}

	done, err := reg.Finish(root.AgentID, "Here is the plan")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Status != StatusDone || done.Output == nil || *done.Output != "Here is the plan" || done.EndedAt == nil {
		t.Fatalf("unexpected finished record: %+v", done)
	}
	if done.TokenUsage != 3+5 {
		t.Fatalf("expected token usage 8, got %d", done.TokenUsage)
	}
}

func TestRegistry_FinishIsOnce(t *testing.T) {
	reg := NewRegistry()
	rec := reg.Start("", RoleOrchestrator, "x", "t-1")
	if _, err := reg.Finish(rec.AgentID, "first"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := reg.Finish(rec.AgentID, "second"); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}
	got, _ := reg.Get(rec.AgentID)
	if *got.Output != "first" {
		t.Fatalf("output mutated: %q", *got.Output)
	}
	if _, err := reg.Finish("a-missing", "x"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRegistry_TruncatesTaskAndOutput(t *testing.T) {
	reg := NewRegistry()
	rec := reg.Start("", WorkerRole(1), strings.Repeat("é", 400), "t-1")
	if n := len([]rune(rec.Task)); n != maxTaskRunes {
		t.Fatalf("expected task truncated to %d runes, got %d", maxTaskRunes, n)
	}
	done, err := reg.Finish(rec.AgentID, strings.Repeat("x", 2000))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(*done.Output) != maxOutputRunes {
		t.Fatalf("expected output truncated to %d, got %d", maxOutputRunes, len(*done.Output))
	}
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	rec := reg.Start("", RoleOrchestrator, "x", "t-1")
	_, _ = reg.Finish(rec.AgentID, "out")

	snap := reg.Snapshot()
	*snap[0].Output = "tampered"
	snap[0].Status = StatusRunning

	got, _ := reg.Get(rec.AgentID)
	if *got.Output != "out" || got.Status != StatusDone {
		t.Fatalf("snapshot mutation leaked into registry: %+v", got)
	}
}

func TestRegistry_TopologyEdges(t *testing.T) {
	reg := NewRegistry()
	root := reg.Start("", RoleOrchestrator, "root", "t-1")
	s1 := reg.Start(root.AgentID, WorkerRole(1), "one", "t-1")
	s2 := reg.Start(root.AgentID, WorkerRole(2), "two", "t-1")
	other := reg.Start("", RoleOrchestrator, "other", "t-2")

	topo := reg.Topology()
	if len(topo.Nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(topo.Nodes))
	}
	if topo.Nodes[0].AgentID != root.AgentID || topo.Nodes[3].AgentID != other.AgentID {
		t.Fatalf("expected start order, got %+v", topo.Nodes)
	}
	want := []Edge{
		{From: root.AgentID, To: s1.AgentID, TaskID: "t-1"},
		{From: root.AgentID, To: s2.AgentID, TaskID: "t-1"},
	}
	if len(topo.Edges) != len(want) {
		t.Fatalf("expected %d edges, got %+v", len(want), topo.Edges)
	}
	for i := range want {
		if topo.Edges[i] != want[i] {
			t.Fatalf("edge %d = %+v, want %+v", i, topo.Edges[i], want[i])
		}
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := reg.Start("", WorkerRole(1), "work", "t")
			_, _ = reg.Finish(rec.AgentID, "ok")
			_ = reg.Topology()
		}()
	}
	wg.Wait()
	if reg.Count("") != 20 || reg.Count(StatusDone) != 20 {
		t.Fatalf("expected 20 done records, got total=%d done=%d", reg.Count(""), reg.Count(StatusDone))
	}
}
