package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/plangraph/internal/audit"
	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/coordinator"
	otelPkg "github.com/basket/plangraph/internal/otel"
	"github.com/basket/plangraph/internal/persistence"
	"github.com/basket/plangraph/internal/plan"
	"github.com/basket/plangraph/internal/planio"
	"github.com/basket/plangraph/internal/telemetry"
)

// app is the runtime shared by run, retry and serve.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	otel     *otelPkg.Provider
	executor *coordinator.Executor

	closers []func()
}

type appOptions struct {
	// command names the subcommand on the telemetry resource.
	command   string
	quietLogs bool
	runner    coordinator.StepRunner
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}
	a.closers = append(a.closers, func() { _ = logCloser.Close() })
	if err := audit.Init(cfg.HomeDir); err != nil {
		a.Close()
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	a.closers = append(a.closers, func() { _ = audit.Close() })

	provider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Host{
		Command:       opts.command,
		ExecutionMode: cfg.Execution.Mode,
		MaxParallel:   cfg.Execution.MaxParallel,
		MaxAttempts:   cfg.Execution.MaxAttempts,
		PlanCount:     len(cfg.Plans),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	})
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DatabasePath(), a.bus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	runner := opts.runner
	if runner == nil {
		runner = coordinator.EchoRunner{GeneratorTool: cfg.Synthesis.GeneratorTool}
	}
	engineOpts := cfg.EngineOptions()
	engineOpts.Observer = bus.PlanObserver(a.bus)
	a.executor = coordinator.NewExecutor(coordinator.Config{
		Engine:      plan.NewEngine(engineOpts),
		Runner:      runner,
		Recorder:    store,
		Bus:         a.bus,
		Logger:      logger,
		Tracer:      provider.Tracer,
		Metrics:     metrics,
		MaxParallel: cfg.Execution.MaxParallel,
		StepTimeout: cfg.StepTimeout(),
		Retry: coordinator.RetryPolicy{
			MaxAttempts: cfg.Execution.MaxAttempts,
			Backoff:     cfg.RetryBackoff(),
		},
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

var errUsage = errors.New("usage")

// loadPlanArg resolves the plan named by -plan or the single file argument.
func loadPlanArg(cfg config.Config, planName string, args []string) (*plan.Plan, error) {
	switch {
	case planName != "" && len(args) > 0:
		return nil, fmt.Errorf("%w: give either -plan or a file, not both", errUsage)
	case planName != "":
		pc, ok := cfg.Plan(planName)
		if !ok {
			return nil, fmt.Errorf("no plan named %q in %s", planName, config.ConfigPath(cfg.HomeDir))
		}
		return coordinator.PlanFromConfig(pc), nil
	case len(args) == 1:
		return planio.Load(args[0])
	default:
		return nil, fmt.Errorf("%w: expected one plan file", errUsage)
	}
}

// loadConfig loads config.yaml, reporting failures on stderr.
func loadConfig() (config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return cfg, false
	}
	return cfg, true
}
