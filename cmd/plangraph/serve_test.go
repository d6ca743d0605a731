package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/coordinator"
	"github.com/basket/plangraph/internal/plan"
)

// blockingRunner holds every step until release is closed.
type blockingRunner struct {
	started chan string
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (r *blockingRunner) Run(ctx context.Context, step *plan.Step, _ map[string]any) (any, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.started <- step.ID
	select {
	case <-r.release:
		return "ok", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestScheduledRuns_SetPlans(t *testing.T) {
	runs := newScheduledRuns(context.Background(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	jobs := runs.setPlans([]config.PlanConfig{
		{Name: "morning", Schedule: "0 9 * * *", Steps: []config.PlanStepConfig{{Tool: "fetch"}}},
		{Name: "adhoc", Steps: []config.PlanStepConfig{{Tool: "fetch"}}},
	})
	if len(jobs) != 1 || jobs[0].Name != "morning" || jobs[0].Schedule != "0 9 * * *" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if err := runs.trigger(context.Background(), "gone"); err == nil || !strings.Contains(err.Error(), "no longer configured") {
		t.Fatalf("trigger unknown plan err = %v", err)
	}
}

func TestScheduledRuns_NoOverlap(t *testing.T) {
	runner := &blockingRunner{started: make(chan string, 4), release: make(chan struct{})}
	executor := coordinator.NewExecutor(coordinator.Config{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runs := newScheduledRuns(ctx, executor, slog.New(slog.NewTextHandler(io.Discard, nil)))
	runs.setPlans([]config.PlanConfig{
		{Name: "digest", Schedule: "* * * * *", Steps: []config.PlanStepConfig{{Tool: "fetch"}}},
	})

	if err := runs.trigger(ctx, "digest"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	<-runner.started
	if err := runs.trigger(ctx, "digest"); err == nil || !strings.Contains(err.Error(), "still running") {
		t.Fatalf("overlapping trigger err = %v", err)
	}

	close(runner.release)
	runs.wait()
	if err := runs.trigger(ctx, "digest"); err != nil {
		t.Fatalf("trigger after finish: %v", err)
	}
	<-runner.started
	runs.wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.calls != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls)
	}
}
