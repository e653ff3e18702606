package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/ontoti/internal/app"
	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/config"
	"github.com/basket/ontoti/internal/cron"
	otelPkg "github.com/basket/ontoti/internal/otel"
	"github.com/basket/ontoti/internal/persistence"
	"github.com/basket/ontoti/internal/telemetry"
)

// runtime is the set of long-lived services every subcommand works against.
// It is opened once per process and torn down in reverse order by Close.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *persistence.Store
	ledger    *audit.Ledger
	otel      *otelPkg.Provider
	metrics   *otelPkg.Metrics
	container *app.Container

	closers []func() error
}

type runtimeOptions struct {
	// Quiet keeps log records out of stdout so CLI output stays readable.
	Quiet bool
	// NewGenerator overrides the provider-backed generator. Tests set it.
	NewGenerator app.GeneratorFactory
}

// startupError carries the reason code logged when the process cannot come up.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *startupError) Unwrap() error { return e.Err }

func openRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, err := config.Load()
	var readErr *config.ReadError
	if err != nil && !errors.As(err, &readErr) {
		return nil, &startupError{Code: "E_CONFIG_LOAD", Err: err}
	}

	logger, logCloser, lerr := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.Quiet)
	if lerr != nil {
		return nil, &startupError{Code: "E_LOGGER_INIT", Err: lerr}
	}
	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, logCloser.Close)
	if readErr != nil {
		logger.Warn("config unreadable; using defaults", "error", readErr)
	}
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "from_file", cfg.FromFile)

	provider, err := otelPkg.Init(ctx, cfg.OTel, Version)
	if err != nil {
		logger.Warn("otel init failed; tracing disabled", "error", err)
		provider = otelPkg.Noop()
	}
	rt.otel = provider
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	})
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("otel metrics init failed; using noop metrics", "error", err)
		metrics = otelPkg.MustNoopMetrics()
	}
	rt.metrics = metrics

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "ontoti.db"))
	if err != nil {
		rt.Close()
		return nil, &startupError{Code: "E_DB_OPEN", Err: err}
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)
	logger.Info("startup phase", "phase", "db_opened")

	ledger, err := audit.New(audit.Config{Store: store, MirrorDir: cfg.HomeDir, Logger: logger})
	if err != nil {
		rt.Close()
		return nil, &startupError{Code: "E_AUDIT_INIT", Err: err}
	}
	rt.ledger = ledger
	rt.closers = append(rt.closers, ledger.Close)

	container, err := app.New(ctx, cfg, app.Deps{
		Audit:        ledger,
		Store:        store,
		NewGenerator: opts.NewGenerator,
		Tracer:       provider.Tracer,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		rt.Close()
		return nil, &startupError{Code: "E_SERVICES_INIT", Err: err}
	}
	rt.container = container
	rt.closers = append(rt.closers, container.Close)
	logger.Info("startup phase", "phase", "services_bound")
	return rt, nil
}

// scheduler builds a scheduler bound to the runtime's store, ledger and
// current services. It is not started.
func (rt *runtime) scheduler() *cron.Scheduler {
	return cron.NewScheduler(cron.Config{
		Store:     rt.store,
		Audit:     rt.ledger,
		Chat:      rt.container.Chat,
		Heartbeat: cron.NewHeartbeatRecorder(rt.store, time.Now),
		Logger:    rt.logger,
		Tracer:    rt.otel.Tracer,
		Metrics:   rt.metrics,
	})
}

// Close releases everything opened by openRuntime, newest first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && rt.logger != nil {
			rt.logger.Warn("shutdown: close failed", "error", err)
		}
	}
	rt.closers = nil
}

// reportStartup prints a startup failure and returns the exit code.
func reportStartup(w io.Writer, err error) int {
	var se *startupError
	if errors.As(err, &se) {
		fmt.Fprintf(w, "startup failure (%s): %v\n", se.Code, se.Err)
		return 1
	}
	fmt.Fprintf(w, "startup failure: %v\n", err)
	return 1
}
