package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/plangraph/internal/audit"
	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/coordinator"
	"github.com/basket/plangraph/internal/cron"
	"github.com/basket/plangraph/internal/gateway"
	"github.com/basket/plangraph/internal/telemetry"
)

const purgeInterval = time.Hour

// scheduledRuns starts configured plans for the cron scheduler. A plan that
// is still running when it comes due again is not started twice.
type scheduledRuns struct {
	ctx      context.Context
	executor *coordinator.Executor
	logger   *slog.Logger

	mu      sync.Mutex
	plans   map[string]config.PlanConfig
	running map[string]bool
	wg      sync.WaitGroup
}

func newScheduledRuns(ctx context.Context, executor *coordinator.Executor, logger *slog.Logger) *scheduledRuns {
	return &scheduledRuns{ctx: ctx, executor: executor, logger: logger, running: map[string]bool{}}
}

// setPlans replaces the plan definitions and returns the cron jobs for the
// ones that carry a schedule.
func (r *scheduledRuns) setPlans(plans []config.PlanConfig) []cron.Job {
	byName := make(map[string]config.PlanConfig, len(plans))
	var jobs []cron.Job
	for _, pc := range plans {
		byName[pc.Name] = pc
		if strings.TrimSpace(pc.Schedule) != "" {
			jobs = append(jobs, cron.Job{Name: pc.Name, Schedule: pc.Schedule})
		}
	}
	r.mu.Lock()
	r.plans = byName
	r.mu.Unlock()
	return jobs
}

// trigger starts the named plan in the background.
func (r *scheduledRuns) trigger(_ context.Context, name string) error {
	r.mu.Lock()
	pc, ok := r.plans[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plan %s is no longer configured", name)
	}
	if r.running[name] {
		r.mu.Unlock()
		return fmt.Errorf("plan %s is still running", name)
	}
	r.running[name] = true
	r.mu.Unlock()

	p := coordinator.PlanFromConfig(pc)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, name)
			r.mu.Unlock()
		}()
		res, err := r.executor.Execute(r.ctx, p)
		if res == nil {
			r.logger.Error("scheduled run failed to start", "plan", name, "error", err)
			return
		}
		r.logger.Info("scheduled run finished",
			"plan", name,
			"execution_id", res.ExecutionID,
			"status", string(res.Status),
			"duration_ms", res.Duration.Milliseconds(),
		)
	}()
	return nil
}

// wait blocks until every started run has returned.
func (r *scheduledRuns) wait() {
	r.wg.Wait()
}

func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (overrides bind_addr)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: plangraph serve [-addr host:port]")
		return 2
	}

	cfg, ok := loadConfig()
	if !ok {
		return 1
	}
	if *addr != "" {
		cfg.BindAddr = *addr
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
	}
	if _, err := coordinator.LoadPlansFromConfig(cfg.Plans); err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}

	a, err := newApp(ctx, cfg, appOptions{command: "serve"})
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	defer a.Close()
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	logger := a.logger
	if cfg.NeedsInit {
		logger.Warn("config.yaml not found; run `plangraph init` to write a starter", "home", cfg.HomeDir)
	}
	go telemetry.LogPlanEvents(ctx, a.bus, logger)

	// Runs outlive ctx until the HTTP server has stopped.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	runs := newScheduledRuns(runCtx, a.executor, logger)
	scheduler := cron.NewScheduler(cron.Config{
		Jobs:     runs.setPlans(cfg.Plans),
		Trigger:  runs.trigger,
		Logger:   logger,
		Interval: time.Duration(cfg.CronTickSeconds) * time.Second,
	})
	scheduler.Start(ctx)

	if cfg.RetentionDays > 0 {
		go purgeLoop(ctx, a, cfg.RetentionDays)
	}

	fingerprint := cfg.Fingerprint()
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				next, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config.yaml reload rejected; keeping previous plans", "error", err)
					continue
				}
				if _, err := coordinator.LoadPlansFromConfig(next.Plans); err != nil {
					logger.Error("config.yaml reload rejected; keeping previous plans", "error", err)
					continue
				}
				scheduler.SetJobs(runs.setPlans(next.Plans))
				logger.Info("config.yaml hot-reloaded",
					"op", ev.Op.String(),
					"previous_fingerprint", fingerprint,
					"fingerprint", next.Fingerprint(),
					"plans", len(next.Plans),
				)
				fingerprint = next.Fingerprint()
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Executor:          a.executor,
		Bus:               a.bus,
		Logger:            logger,
		Tracer:            a.otel.Tracer,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: stop the other process or change bind_addr in config.yaml", err)
		}
		logger.Error("startup failure", "reason_code", "E_LISTENER_BIND", "error", err)
		scheduler.Stop()
		gw.Close()
		return 1
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		code = 1
	}

	// Stop intake first, then cancel and drain the runs still in flight.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	cancelRuns()
	gw.Close()
	runs.wait()
	logger.Info("shutdown complete")
	return code
}

// purgeLoop deletes finished executions older than days now and then
// every purgeInterval until ctx is done.
func purgeLoop(ctx context.Context, a *app, days int) {
	purge := func() {
		n, err := a.store.PurgeExecutions(ctx, days)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Error("execution purge failed", "error", err)
			}
			return
		}
		if n > 0 {
			audit.Record(audit.Event{
				Action:  "purge",
				Outcome: audit.Accepted,
				Detail:  fmt.Sprintf("%d executions older than %d days", n, days),
				Subject: "retention",
			})
			a.logger.Info("purged old executions", "count", n, "retention_days", days)
		}
	}
	purge()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
