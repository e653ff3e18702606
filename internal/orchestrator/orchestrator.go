// Package orchestrator answers inbound messages, either with a single
// generation call or by running a planned pipeline of stage agents and
// consolidating their outputs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/ontoti/internal/agent"
	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/bus"
	"github.com/basket/ontoti/internal/coordinator"
	"github.com/basket/ontoti/internal/engine"
	"github.com/basket/ontoti/internal/otel"
	"github.com/basket/ontoti/internal/persistence"
	"github.com/basket/ontoti/internal/persona"
	"github.com/basket/ontoti/internal/shared"
	"github.com/basket/ontoti/internal/tokenutil"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DelegationThreshold is the message length, in runes, above which a
	// message is always delegated to a pipeline.
	DelegationThreshold = 180

	// StageFailure replaces the output of a stage whose generation budget
	// ran out without text.
	StageFailure = "error: no output"

	ActorOrchestrator = "orchestrator"

	maxAuditText = 400
)

// Auditor appends ledger events. *audit.Ledger satisfies it.
type Auditor interface {
	Append(ctx context.Context, actor, action string, payload any, result string) (persistence.AuditEvent, error)
}

// InteractionStore persists finished exchanges. *persistence.Store satisfies it.
type InteractionStore interface {
	RecordInteraction(ctx context.Context, in persistence.Interaction) (int64, error)
}

// Planner produces a validated, ordered pipeline for a delegated message.
type Planner func(text string, opts coordinator.Options) (coordinator.PlanResult, error)

// Settings are the pipeline knobs read from config at construction time.
type Settings struct {
	MaxActive   int
	Mode        string
	MaxRetries  int
	Conjunction string
}

type Config struct {
	Generator engine.Generator
	Registry  *agent.Registry
	Bus       bus.MessageBus
	Audit     Auditor
	Store     InteractionStore
	Persona   persona.Snapshot
	Planner   Planner
	Settings  Settings
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Logger    *slog.Logger
}

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	StageID   string   `json:"stage"`
	AgentID   string   `json:"agent_id"`
	Role      string   `json:"role"`
	Task      string   `json:"task"`
	Output    string   `json:"output"`
	DependsOn []string `json:"depends_on"`
	Attempts  int      `json:"attempts"`
	Failed    bool     `json:"failed,omitempty"`
}

// ContextUsed describes the persona context a reply was generated with.
type ContextUsed struct {
	Persona      string `json:"persona"`
	ActiveSkills int    `json:"active_skills_count"`
	SoulLoaded   bool   `json:"soul_loaded"`
}

type Result struct {
	Reply       string        `json:"reply"`
	TaskID      string        `json:"task_id"`
	SubResults  []StageResult `json:"sub_results"`
	ContextUsed ContextUsed   `json:"context_used"`
	Delegated   bool          `json:"delegated"`
}

// Orchestrator runs process_message. Pipelines execute one stage at a time
// in topological order; concurrent calls share the registry, bus and ledger.
type Orchestrator struct {
	gen      engine.Generator
	registry *agent.Registry
	bus      bus.MessageBus
	audit    Auditor
	store    InteractionStore
	persona  persona.Snapshot
	plan     Planner
	settings Settings
	tracer   trace.Tracer
	metrics  *otel.Metrics
	logger   *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Generator == nil {
		return nil, errors.New("orchestrator: generator is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = agent.NewRegistry()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewLocal(bus.DefaultMaxMessages)
	}
	if cfg.Planner == nil {
		cfg.Planner = coordinator.PlanPipeline
	}
	if cfg.Settings.MaxActive <= 0 {
		cfg.Settings.MaxActive = 4
	}
	if cfg.Settings.MaxRetries < 0 {
		cfg.Settings.MaxRetries = 0
	}
	if cfg.Settings.Mode == "" {
		cfg.Settings.Mode = coordinator.ModeSequential
	}
	if cfg.Settings.Conjunction == "" {
		cfg.Settings.Conjunction = coordinator.DefaultConjunction
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.MustNoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		gen:      cfg.Generator,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		audit:    cfg.Audit,
		store:    cfg.Store,
		persona:  cfg.Persona,
		plan:     cfg.Planner,
		settings: cfg.Settings,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

func (o *Orchestrator) Registry() *agent.Registry { return o.registry }
func (o *Orchestrator) Bus() bus.MessageBus       { return o.bus }

// ShouldDelegate reports whether text is handed to a pipeline instead of a
// single generation call.
func (o *Orchestrator) ShouldDelegate(text string) bool {
	return utf8.RuneCountInString(text) > DelegationThreshold ||
		coordinator.ContainsConjunction(text, o.settings.Conjunction) ||
		strings.Contains(text, ";")
}

// ProcessMessage answers text on behalf of sessionID. Only planning failures
// are returned as errors; they are audited as blocked and leave no agent,
// bus or interaction records behind. Generation, persistence and audit
// failures degrade into logged state and never fail the call.
func (o *Orchestrator) ProcessMessage(ctx context.Context, sessionID, text string) (Result, error) {
	start := time.Now()
	taskID := shared.NewTaskID()
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithSessionID(ctx, sessionID)

	delegate := o.ShouldDelegate(text)
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.process_message",
		otel.AttrTaskID.String(taskID),
		otel.AttrSessionID.String(sessionID),
		otel.AttrDelegated.Bool(delegate),
	)

	res := Result{
		TaskID: taskID,
		ContextUsed: ContextUsed{
			Persona:      o.persona.Name,
			ActiveSkills: o.persona.ActiveSkills(),
			SoulLoaded:   o.persona.Soul != "",
		},
	}

	var plan coordinator.PlanResult
	if delegate {
		var err error
		plan, err = o.plan(text, coordinator.Options{
			Conjunction: o.settings.Conjunction,
			MaxStages:   coordinator.StageBudget(o.settings.MaxActive),
			Mode:        o.settings.Mode,
		})
		if err != nil {
			o.auditBlocked(ctx, sessionID, taskID, text, err)
			otel.EndSpan(span, err)
			return res, fmt.Errorf("process message %s: %w", taskID, err)
		}
		span.SetAttributes(otel.AttrStages.Int(len(plan.Order)))
	}

	system := o.persona.SystemPrompt()
	root := o.registry.Start("", agent.RoleOrchestrator, text, taskID)
	ctx = shared.WithAgentID(ctx, root.AgentID)
	o.bus.Publish(bus.ParticipantUser, root.AgentID, taskID,
		map[string]any{"text": tokenutil.Truncate(text, bus.MaxPayloadText)}, bus.PriorityUserTurn)

	if delegate {
		res.Delegated = true
		res.SubResults = o.runPipeline(ctx, root.AgentID, taskID, system, plan)
		res.Reply = o.generate(ctx, system, consolidationPrompt(res.SubResults, text))
	} else {
		res.Reply = o.generate(ctx, system, text)
	}

	if rec, err := o.registry.Finish(root.AgentID, res.Reply); err == nil {
		o.metrics.TokensEstimated.Add(ctx, int64(rec.TokenUsage))
	}
	o.bus.Publish(root.AgentID, bus.ParticipantUser, taskID,
		map[string]any{"reply": tokenutil.Truncate(res.Reply, bus.MaxPayloadText)}, bus.PriorityUserTurn)

	if o.store != nil {
		if _, err := o.store.RecordInteraction(ctx, persistence.Interaction{
			SessionID: sessionID,
			TaskID:    taskID,
			UserText:  text,
			BotText:   res.Reply,
		}); err != nil {
			o.logger.WarnContext(ctx, "orchestrator: record interaction failed", "error", err)
		}
	}
	o.appendAudit(ctx, "process_message", map[string]any{
		"session_id": sessionID,
		"task_id":    taskID,
		"text":       tokenutil.Truncate(text, maxAuditText),
		"delegated":  res.Delegated,
		"sub_agents": len(res.SubResults),
	}, audit.ResultOK)

	elapsed := time.Since(start)
	o.metrics.ProcessDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(otel.AttrDelegated.Bool(res.Delegated)))
	o.logger.InfoContext(ctx, "message processed",
		"delegated", res.Delegated,
		"stages", len(res.SubResults),
		"duration_ms", elapsed.Milliseconds(),
	)
	otel.EndSpan(span, nil)
	return res, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, rootID, taskID, system string, plan coordinator.PlanResult) []StageResult {
	outputs := make(map[string]string, len(plan.Order))
	results := make([]StageResult, 0, len(plan.Order))
	position := make(map[string]int, len(plan.Stages))
	for i, st := range plan.Stages {
		position[st.ID] = i + 1
	}

	for _, sid := range plan.Order {
		stage, ok := plan.Stage(sid)
		if !ok {
			continue
		}
		role := agent.WorkerRole(position[sid])
		results = append(results, o.runStage(ctx, rootID, taskID, system, role, stage, outputs))
	}
	return results
}

func (o *Orchestrator) runStage(ctx context.Context, rootID, taskID, system, role string, stage coordinator.Stage, outputs map[string]string) StageResult {
	start := time.Now()
	rec := o.registry.Start(rootID, role, stage.Text, taskID)
	stageCtx := shared.WithAgentID(ctx, rec.AgentID)
	stageCtx, span := otel.StartSpan(stageCtx, o.tracer, "orchestrator.stage",
		otel.AttrStageID.String(stage.ID),
		otel.AttrAgentID.String(rec.AgentID),
	)

	var deps []string
	for _, d := range stage.DependsOn {
		if out := outputs[d]; out != "" {
			deps = append(deps, out)
		}
	}
	prompt := stage.Text
	if len(deps) > 0 {
		prompt = fmt.Sprintf("Context from previous stages:\n%s\n\nTask:\n%s", strings.Join(deps, "\n"), stage.Text)
	}

	var output string
	attempts := 0
	for attempts <= o.settings.MaxRetries {
		if attempts > 0 {
			o.metrics.GenerationRetries.Add(stageCtx, 1)
		}
		attempts++
		output = o.generate(stageCtx, system, prompt)
		if output != "" {
			break
		}
	}
	failed := output == ""
	if failed {
		output = StageFailure
		o.metrics.StageFailures.Add(stageCtx, 1)
		o.logger.WarnContext(stageCtx, "stage produced no output", "stage", stage.ID, "attempts", attempts)
	}
	outputs[stage.ID] = output

	if done, err := o.registry.Finish(rec.AgentID, output); err == nil {
		o.metrics.TokensEstimated.Add(stageCtx, int64(done.TokenUsage))
	}
	o.bus.Publish(rec.AgentID, rootID, taskID, map[string]any{
		"stage":  stage.ID,
		"role":   role,
		"output": tokenutil.Truncate(output, bus.MaxPayloadText),
	}, bus.PriorityStageResult)

	o.metrics.StageDuration.Record(stageCtx, time.Since(start).Seconds())
	span.SetAttributes(otel.AttrAttempts.Int(attempts))
	otel.EndSpan(span, nil)

	return StageResult{
		StageID:   stage.ID,
		AgentID:   rec.AgentID,
		Role:      role,
		Task:      stage.Text,
		Output:    output,
		DependsOn: stage.DependsOn,
		Attempts:  attempts,
		Failed:    failed,
	}
}

func (o *Orchestrator) generate(ctx context.Context, system, user string) string {
	start := time.Now()
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "generator.generate")
	out := o.gen.Generate(ctx, system, user)
	span.End()
	o.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	return out
}

func (o *Orchestrator) auditBlocked(ctx context.Context, sessionID, taskID, text string, err error) {
	o.metrics.PipelinesBlocked.Add(ctx, 1)
	action := "pipeline_blocked"
	payload := map[string]any{
		"session_id": sessionID,
		"task_id":    taskID,
		"text":       tokenutil.Truncate(text, maxAuditText),
		"error":      err.Error(),
	}
	var perr *coordinator.PlanningError
	if errors.As(err, &perr) {
		if errors.Is(perr.Err, coordinator.ErrCycleDetected) {
			action = "pipeline_cycle_detected"
		}
		if perr.Graph != nil {
			payload["graph"] = perr.Graph
		}
	}
	o.logger.WarnContext(ctx, "pipeline blocked", "action", action, "error", err)
	o.appendAudit(ctx, action, payload, audit.ResultBlocked)
}

func (o *Orchestrator) appendAudit(ctx context.Context, action string, payload map[string]any, result string) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.Append(ctx, ActorOrchestrator, action, payload, result); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: audit append failed", "action", action, "error", err)
	}
}

func consolidationPrompt(results []StageResult, question string) string {
	var parts []string
	for _, r := range results {
		if r.Output != "" {
			parts = append(parts, r.Output)
		}
	}
	return fmt.Sprintf("Consolidate the following partial answers:\n%s\n\nUser question:\n%s",
		strings.Join(parts, "\n"), question)
}
