package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/engine"
	"github.com/basket/ontoti/internal/persistence"
)

type echoGen struct{ prefix string }

func (g echoGen) Generate(_ context.Context, _, user string) string { return g.prefix + user }

func newTestContainer(t *testing.T, cfg config.Config) (*Container, *audit.Ledger) {
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
	c, err := New(context.Background(), cfg, Deps{
		Audit: ledger,
		Store: store,
		NewGenerator: func(_ context.Context, cfg config.Config) engine.Generator {
			return echoGen{prefix: cfg.Persona.Name + ": "}
		},
	})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, ledger
}

func TestContainer_ProcessMessageUsesCurrentBinding(t *testing.T) {
	cfg := config.Default()
	c, _ := newTestContainer(t, cfg)

	res, err := c.ProcessMessage(context.Background(), "s1", "Hello")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Reply != "Ontoti: Hello" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if got := len(c.Current().Bus.Recent(0)); got != 2 {
		t.Fatalf("bus messages = %d, want 2", got)
	}
}

func TestContainer_RebindSkipsUnchangedConfig(t *testing.T) {
	cfg := config.Default()
	c, ledger := newTestContainer(t, cfg)
	before := c.Current()

	changed, err := c.Rebind(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if changed || c.Current() != before {
		t.Fatal("rebind with identical config swapped services")
	}
	events, _ := ledger.Recent(context.Background(), 10)
	if len(events) != 0 {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestContainer_RebindSwapsAndAudits(t *testing.T) {
	cfg := config.Default()
	c, ledger := newTestContainer(t, cfg)
	ctx := context.Background()
	before := c.Current()

	next := cfg
	next.Persona.Name = "Nexa"
	next.Bus.MaxMessages = 5
	changed, err := c.Rebind(ctx, next)
	if err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if !changed || c.Current() == before {
		t.Fatal("expected a new binding")
	}
	if before.Fingerprint == c.Current().Fingerprint {
		t.Fatal("fingerprint did not change")
	}

	res, err := c.ProcessMessage(ctx, "s1", "Hello")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Reply != "Nexa: Hello" {
		t.Fatalf("reply after rebind = %q", res.Reply)
	}

	events, err := ledger.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.Actor == ActorSystem && ev.Action == "rebind_services" && ev.Result == audit.ResultOK {
			found = true
		}
	}
	if !found {
		t.Fatalf("rebind not audited: %+v", events)
	}
	if _, err := ledger.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestContainer_RebindFailureKeepsPreviousBinding(t *testing.T) {
	cfg := config.Default()
	c, _ := newTestContainer(t, cfg)
	before := c.Current()

	bad := cfg
	bad.Bus.Backend = "carrier-pigeon"
	if _, err := c.Rebind(context.Background(), bad); err == nil {
		t.Fatal("expected rebind error for unknown backend")
	}
	if c.Current() != before {
		t.Fatal("failed rebind replaced services")
	}
}

func TestContainer_RegistrySurvivesRebind(t *testing.T) {
	cfg := config.Default()
	c, _ := newTestContainer(t, cfg)
	ctx := context.Background()

	if _, err := c.ProcessMessage(ctx, "s1", "Hello"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	next := cfg
	next.Agents.MaxActive = 6
	if _, err := c.Rebind(ctx, next); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if _, err := c.ProcessMessage(ctx, "s1", "Hello again"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if n := len(c.Registry().Snapshot()); n != 2 {
		t.Fatalf("registry records = %d, want 2", n)
	}
}

func TestContainer_ConcurrentRebindAndProcess(t *testing.T) {
	cfg := config.Default()
	c, _ := newTestContainer(t, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := c.ProcessMessage(ctx, "s1", "Hello"); err != nil {
				t.Errorf("ProcessMessage: %v", err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			next := cfg
			next.Bus.MaxMessages = 10 + i
			if _, err := c.Rebind(ctx, next); err != nil {
				t.Errorf("Rebind: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestContainer_ClosedRejectsWork(t *testing.T) {
	c, _ := newTestContainer(t, config.Default())
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.ProcessMessage(context.Background(), "s1", "Hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Rebind(context.Background(), config.Default()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Rebind, got %v", err)
	}
}
