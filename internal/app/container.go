// Package app holds the service container that the CLI, daemon and
// scheduler resolve the current bus and orchestrator through.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ontoti/internal/agent"
	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/bus"
	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/engine"
	"github.com/basket/ontoti/internal/orchestrator"
	"github.com/basket/ontoti/internal/otel"
	"github.com/basket/ontoti/internal/persona"
)

// ActorSystem is the audit actor for container-level events.
const ActorSystem = "system"

var ErrClosed = errors.New("app: container closed")

// GeneratorFactory builds the generation collaborator for a config.
type GeneratorFactory func(ctx context.Context, cfg config.Config) engine.Generator

// Deps are the long-lived collaborators shared by every binding.
type Deps struct {
	Registry     *agent.Registry
	Audit        orchestrator.Auditor
	Store        orchestrator.InteractionStore
	NewGenerator GeneratorFactory
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
	Logger       *slog.Logger
}

// Services is one consistent binding of bus and orchestrator. A caller that
// loaded a binding keeps using it even if a rebind happens meanwhile.
type Services struct {
	Bus          bus.MessageBus
	Orchestrator *orchestrator.Orchestrator
	Fingerprint  string

	closeBus func() error
}

// Container owns the current Services behind an atomic pointer. Rebind is
// the only way to replace them.
type Container struct {
	deps    Deps
	current atomic.Pointer[Services]
	rebind  sync.Mutex
	closed  atomic.Bool
}

// New builds the initial binding from cfg.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		deps.Registry = agent.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = otel.MustNoopMetrics()
	}
	if deps.NewGenerator == nil {
		logger := deps.Logger
		deps.NewGenerator = func(ctx context.Context, cfg config.Config) engine.Generator {
			return engine.FromConfig(ctx, cfg, logger)
		}
	}
	c := &Container{deps: deps}
	svc, err := c.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.current.Store(svc)
	deps.Logger.Info("services bound", "bus", cfg.Bus.Backend, "fingerprint", svc.Fingerprint)
	return c, nil
}

// Current returns the active binding.
func (c *Container) Current() *Services {
	return c.current.Load()
}

func (c *Container) Registry() *agent.Registry { return c.deps.Registry }

// ProcessMessage forwards to the current orchestrator.
func (c *Container) ProcessMessage(ctx context.Context, sessionID, text string) (orchestrator.Result, error) {
	if c.closed.Load() {
		return orchestrator.Result{}, ErrClosed
	}
	return c.Current().Orchestrator.ProcessMessage(ctx, sessionID, text)
}

// Chat adapts ProcessMessage to the scheduler's chat callback.
func (c *Container) Chat(ctx context.Context, sessionID, text string) error {
	_, err := c.ProcessMessage(ctx, sessionID, text)
	return err
}

// Rebind swaps in services built from cfg. It reports false when cfg does
// not change anything the services depend on. The previous bus is closed
// after the swap; callers holding the old binding finish against it.
func (c *Container) Rebind(ctx context.Context, cfg config.Config) (bool, error) {
	c.rebind.Lock()
	defer c.rebind.Unlock()
	if c.closed.Load() {
		return false, ErrClosed
	}

	old := c.current.Load()
	fp := cfg.Fingerprint()
	if old != nil && old.Fingerprint == fp {
		return false, nil
	}
	svc, err := c.build(ctx, cfg)
	if err != nil {
		return false, fmt.Errorf("rebind: %w", err)
	}
	c.current.Store(svc)

	oldFP := ""
	if old != nil {
		oldFP = old.Fingerprint
		if err := old.closeBus(); err != nil {
			c.deps.Logger.Warn("rebind: closing previous bus failed", "error", err)
		}
	}
	if c.deps.Audit != nil {
		if _, err := c.deps.Audit.Append(ctx, ActorSystem, "rebind_services", map[string]any{
			"from":        oldFP,
			"to":          fp,
			"bus_backend": cfg.Bus.Backend,
			"max_active":  cfg.Agents.MaxActive,
			"mode":        cfg.Pipelines.Mode,
		}, audit.ResultOK); err != nil {
			c.deps.Logger.Error("rebind: audit append failed", "error", err)
		}
	}
	c.deps.Logger.Info("services rebound", "from", oldFP, "to", fp, "bus", cfg.Bus.Backend)
	return true, nil
}

// Close releases the current bus. Further calls fail with ErrClosed.
func (c *Container) Close() error {
	c.rebind.Lock()
	defer c.rebind.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	if svc := c.current.Load(); svc != nil {
		return svc.closeBus()
	}
	return nil
}

func (c *Container) build(ctx context.Context, cfg config.Config) (*Services, error) {
	b, closeBus, err := bus.New(bus.Options{
		Backend:     cfg.Bus.Backend,
		MaxMessages: cfg.Bus.MaxMessages,
		StreamURL:   cfg.Bus.StreamURL,
		StreamKey:   cfg.Bus.StreamKey,
		Logger:      c.deps.Logger,
		Drops:       c.deps.Metrics.BusForwardDrops,
	})
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Generator: c.deps.NewGenerator(ctx, cfg),
		Registry:  c.deps.Registry,
		Bus:       b,
		Audit:     c.deps.Audit,
		Store:     c.deps.Store,
		Persona:   persona.FromConfig(cfg),
		Settings: orchestrator.Settings{
			MaxActive:   cfg.Agents.MaxActive,
			Mode:        cfg.Pipelines.Mode,
			MaxRetries:  cfg.Pipelines.MaxRetries,
			Conjunction: cfg.Pipelines.Conjunction,
		},
		Tracer:  c.deps.Tracer,
		Metrics: c.deps.Metrics,
		Logger:  c.deps.Logger,
	})
	if err != nil {
		_ = closeBus()
		return nil, err
	}
	return &Services{
		Bus:          b,
		Orchestrator: orch,
		Fingerprint:  cfg.Fingerprint(),
		closeBus:     closeBus,
	}, nil
}

var _ orchestrator.Auditor = (*audit.Ledger)(nil)
