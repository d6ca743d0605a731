package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/plangraph/internal/plan"
)

// StepRunner executes one step's tool call. input is the step's input with
// template references already resolved. The step must not be modified.
type StepRunner interface {
	Run(ctx context.Context, step *plan.Step, input map[string]any) (any, error)
}

// RunnerFunc adapts a function to StepRunner.
type RunnerFunc func(ctx context.Context, step *plan.Step, input map[string]any) (any, error)

func (f RunnerFunc) Run(ctx context.Context, step *plan.Step, input map[string]any) (any, error) {
	return f(ctx, step, input)
}

// Recorder persists execution state. *persistence.Store implements it.
type Recorder interface {
	CreateExecution(ctx context.Context, execID string, p *plan.Plan) error
	SaveSnapshot(ctx context.Context, execID string, p *plan.Plan) error
	RecordStep(ctx context.Context, execID string, step *plan.Step) error
	CompleteExecution(ctx context.Context, execID, status string) error
}

// EchoRunner is a dry-run runner: it calls no tools and returns a summary
// of what would have been sent. Steps using GeneratorTool return
// {"content": ...} so downstream {{stepN.content}} references resolve.
type EchoRunner struct {
	GeneratorTool string
	// Delay simulates tool latency.
	Delay time.Duration
}

func (r EchoRunner) Run(ctx context.Context, step *plan.Step, input map[string]any) (any, error) {
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Delay):
		}
	}

	generator := r.GeneratorTool
	if generator == "" {
		generator = plan.DefaultSynthesisOptions().GeneratorTool
	}
	if step.Tool == generator {
		purpose, _ := input["purpose"].(string)
		if purpose == "" {
			purpose = step.Reason
		}
		return map[string]any{"content": fmt.Sprintf("[dry-run] %s", purpose)}, nil
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]any{
		"tool":    step.Tool,
		"summary": fmt.Sprintf("[dry-run] %s(%s)", step.Tool, strings.Join(keys, ", ")),
		"input":   input,
		"attempt": AttemptFromContext(ctx).Number,
	}, nil
}
