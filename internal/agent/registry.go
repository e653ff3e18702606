// Package agent tracks the lifecycle of the agents a task spawns: the root
// orchestrator and one agent per pipeline stage.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/ontoti/internal/shared"
	"github.com/basket/ontoti/internal/tokenutil"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
)

// RoleOrchestrator marks the root agent of a task.
const RoleOrchestrator = "orchestrator"

// WorkerRole names the agent running the n-th stage of a pipeline, counted
// from 1 in split order.
func WorkerRole(n int) string {
	return fmt.Sprintf("worker-%d", n)
}

const (
	maxTaskRunes   = 280
	maxOutputRunes = 500
)

var (
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrAlreadyFinished = errors.New("agent already finished")
)

// Record is the bookkeeping entry of one agent. ParentID is a back-reference
// only; Output and EndedAt are set once, by Finish.
type Record struct {
	AgentID    string     `json:"agent_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Role       string     `json:"role"`
	Task       string     `json:"task"`
	Status     Status     `json:"status"`
	TaskID     string     `json:"task_id"`
	Output     *string    `json:"output"`
	TokenUsage int        `json:"token_usage"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
}

type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	TaskID string `json:"task_id"`
}

type Topology struct {
	Nodes []Record `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Registry is an in-memory, process-lifetime ledger of agent records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Start registers a running agent and returns a copy of its record.
func (r *Registry) Start(parentID, role, task, taskID string) Record {
	rec := &Record{
		AgentID:   shared.NewAgentID(),
		ParentID:  parentID,
		Role:      role,
		Task:      tokenutil.Truncate(task, maxTaskRunes),
		Status:    StatusRunning,
		TaskID:    taskID,
		StartedAt: r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.AgentID] = rec
	r.order = append(r.order, rec.AgentID)
	return *rec
}

// Finish marks the agent done with its (truncated) output.
func (r *Registry) Finish(agentID, output string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[agentID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if rec.Status == StatusDone {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyFinished, agentID)
	}
	out := tokenutil.Truncate(output, maxOutputRunes)
	ended := r.now().UTC()
	rec.Status = StatusDone
	rec.Output = &out
	rec.EndedAt = &ended
	rec.TokenUsage = tokenutil.EstimateTokens(rec.Task) + tokenutil.EstimateTokens(out)
	return rec.copy(), nil
}

// Get returns a copy of one record.
func (r *Registry) Get(agentID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[agentID]
	if !ok {
		return Record{}, false
	}
	return rec.copy(), true
}

// Snapshot returns copies of all records in start order.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].copy())
	}
	return out
}

// Topology returns every record plus one parent->child edge per agent that
// has a parent.
func (r *Registry) Topology() Topology {
	nodes := r.Snapshot()
	edges := make([]Edge, 0, len(nodes))
	for _, n := range nodes {
		if n.ParentID != "" {
			edges = append(edges, Edge{From: n.ParentID, To: n.AgentID, TaskID: n.TaskID})
		}
	}
	return Topology{Nodes: nodes, Edges: edges}
}

// Count returns the number of records, optionally only those with status.
func (r *Registry) Count(status Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if status == "" {
		return len(r.records)
	}
	n := 0
	for _, rec := range r.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func (rec *Record) copy() Record {
	out := *rec
	if rec.Output != nil {
		v := *rec.Output
		out.Output = &v
	}
	if rec.EndedAt != nil {
		v := *rec.EndedAt
		out.EndedAt = &v
	}
	return out
}
