// Package coordinator runs normalized plans layer by layer against a
// StepRunner, persisting and publishing progress as it goes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/otel"
	"github.com/basket/plangraph/internal/plan"
	"github.com/basket/plangraph/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// ExecutionStatus is the outcome of a run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCanceled  ExecutionStatus = "canceled"
)

// ExecutionResult summarizes a run. Plan is the executed plan itself, not a
// copy.
type ExecutionResult struct {
	ExecutionID string
	Plan        *plan.Plan
	Status      ExecutionStatus
	Completed   []string
	Failed      []string
	Skipped     []string
	Duration    time.Duration
}

// StepFailedError is returned when a run ends with failed steps.
type StepFailedError struct {
	ExecutionID string
	StepIDs     []string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("execution %s: steps failed: %s", e.ExecutionID, strings.Join(e.StepIDs, ", "))
}

// Config wires an Executor. Only Runner is required.
type Config struct {
	Engine   *plan.Engine
	Runner   StepRunner
	Recorder Recorder
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics

	// MaxParallel caps concurrent steps within a layer; 0 means no cap.
	MaxParallel int
	// StepTimeout bounds each runner call; 0 means none.
	StepTimeout time.Duration
	Retry       RetryPolicy
	Now         func() time.Time
}

// Executor runs plans. It is safe for concurrent use with distinct plans.
type Executor struct {
	engine   *plan.Engine
	runner   StepRunner
	recorder Recorder
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics

	maxParallel int
	stepTimeout time.Duration
	retry       RetryPolicy
	now         func() time.Time

	active sync.Map // execution id -> struct{}
}

// NewExecutor creates an executor, filling unset collaborators with no-op
// defaults.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		engine:      cfg.Engine,
		runner:      cfg.Runner,
		recorder:    cfg.Recorder,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		maxParallel: cfg.MaxParallel,
		stepTimeout: cfg.StepTimeout,
		retry:       cfg.Retry,
		now:         cfg.Now,
	}
	if e.engine == nil {
		e.engine = plan.NewEngine(plan.Options{Observer: bus.PlanObserver(cfg.Bus)})
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Engine returns the engine the executor normalizes and retries with.
func (e *Executor) Engine() *plan.Engine {
	return e.engine
}

// Active reports whether execID is currently running in this executor.
func (e *Executor) Active(execID string) bool {
	_, ok := e.active.Load(execID)
	return ok
}

// Execute normalizes p in place, assigns an execution id and runs it.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*ExecutionResult, error) {
	layering, err := e.engine.Normalize(p)
	if err != nil {
		return nil, fmt.Errorf("normalize plan: %w", err)
	}

	execID := shared.NewExecutionID()
	if e.recorder != nil {
		if err := e.recorder.CreateExecution(ctx, execID, p); err != nil {
			return nil, fmt.Errorf("record execution: %w", err)
		}
	}
	return e.run(ctx, execID, p, layering)
}

// Resume runs the pending steps of an existing execution. Completed and
// failed steps are left alone.
func (e *Executor) Resume(ctx context.Context, execID string, p *plan.Plan) (*ExecutionResult, error) {
	layering, err := e.engine.Layers(p)
	if err != nil {
		return nil, fmt.Errorf("layer plan: %w", err)
	}
	if e.recorder != nil {
		if err := e.recorder.CompleteExecution(ctx, execID, string(ExecutionRunning)); err != nil {
			return nil, fmt.Errorf("reopen execution: %w", err)
		}
	}
	return e.run(ctx, execID, p, layering)
}

// Retry resets stepID and its dependents to pending and resumes the
// execution. A *plan.StepNotFoundError leaves p untouched.
func (e *Executor) Retry(ctx context.Context, execID string, p *plan.Plan, stepID string) (*ExecutionResult, error) {
	if _, err := e.PrepareRetry(ctx, execID, p, stepID); err != nil {
		return nil, err
	}
	return e.Resume(ctx, execID, p)
}

// PrepareRetry performs the reset half of Retry and returns the reset ids,
// so callers can report them before resuming asynchronously.
func (e *Executor) PrepareRetry(ctx context.Context, execID string, p *plan.Plan, stepID string) ([]string, error) {
	reset, err := e.engine.RetryFrom(p, stepID)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.StepsReset.Add(ctx, int64(len(reset)),
			metric.WithAttributes(otel.AttrExecutionID.String(execID)))
	}
	if e.recorder != nil {
		if err := e.recorder.SaveSnapshot(ctx, execID, p); err != nil {
			e.logger.Error("save retry snapshot failed", "execution_id", execID, "error", err)
		}
	}
	return reset, nil
}

// runState guards a plan while a layer's steps run concurrently.
type runState struct {
	execID string
	plan   *plan.Plan
	mu     sync.Mutex
}

func (e *Executor) run(ctx context.Context, execID string, p *plan.Plan, layering *plan.Layering) (*ExecutionResult, error) {
	start := e.now()
	e.active.Store(execID, struct{}{})
	defer e.active.Delete(execID)
	ctx = shared.WithExecutionID(ctx, execID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "plan.execute",
		otel.AttrExecutionID.String(execID),
		otel.AttrPlanID.String(p.ID),
	)
	defer span.End()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Add(ctx, 1)
		defer e.metrics.ActiveExecutions.Add(context.WithoutCancel(ctx), -1)
	}

	e.bus.Publish(bus.TopicPlanExecutionStarted, bus.PlanExecutionEvent{
		ExecutionID: execID,
		PlanID:      p.ID,
		Status:      string(ExecutionRunning),
	})
	e.logger.Info("plan execution started", "execution_id", execID, "plan_id", p.ID,
		"steps", len(p.Steps), "layers", len(layering.Layers))

	rs := &runState{execID: execID, plan: p}
	for _, layer := range layering.Layers {
		if ctx.Err() != nil {
			break
		}
		if failed := e.runLayer(ctx, rs, layer); failed {
			break
		}
	}

	// Recording after cancellation still has to reach the store.
	finishCtx := context.WithoutCancel(ctx)
	canceled := ctx.Err() != nil
	if !canceled {
		e.skipBlocked(finishCtx, rs)
	}

	res := &ExecutionResult{ExecutionID: execID, Plan: p}
	for _, s := range p.Steps {
		switch s.Status {
		case plan.StatusCompleted:
			res.Completed = append(res.Completed, s.ID)
		case plan.StatusFailed:
			res.Failed = append(res.Failed, s.ID)
		case plan.StatusSkipped:
			res.Skipped = append(res.Skipped, s.ID)
		}
	}
	switch {
	case canceled:
		res.Status = ExecutionCanceled
	case len(res.Failed) > 0 || len(res.Completed) != len(p.Steps):
		res.Status = ExecutionFailed
	default:
		res.Status = ExecutionSucceeded
	}
	res.Duration = e.now().Sub(start)

	if e.recorder != nil {
		if err := e.recorder.SaveSnapshot(finishCtx, execID, p); err != nil {
			e.logger.Error("save execution snapshot failed", "execution_id", execID, "error", err)
		}
		if err := e.recorder.CompleteExecution(finishCtx, execID, string(res.Status)); err != nil {
			e.logger.Error("complete execution failed", "execution_id", execID, "error", err)
		}
	}

	var runErr error
	switch res.Status {
	case ExecutionCanceled:
		runErr = fmt.Errorf("execution %s canceled: %w", execID, ctx.Err())
	case ExecutionFailed:
		runErr = &StepFailedError{ExecutionID: execID, StepIDs: res.Failed}
	}

	finished := bus.PlanExecutionEvent{
		ExecutionID: execID,
		PlanID:      p.ID,
		Status:      string(res.Status),
		Counts:      statusCounts(p),
	}
	if runErr != nil {
		finished.Error = runErr.Error()
		span.SetStatus(codes.Error, runErr.Error())
	}
	e.bus.Publish(bus.TopicPlanExecutionFinished, finished)
	e.logger.Info("plan execution finished", "execution_id", execID, "plan_id", p.ID,
		"status", res.Status, "duration_ms", res.Duration.Milliseconds())

	return res, runErr
}

// runLayer runs the ready steps of one layer and reports whether any of
// them failed.
func (e *Executor) runLayer(ctx context.Context, rs *runState, layer plan.Layer) bool {
	rs.mu.Lock()
	ready := make(map[string]bool)
	for _, s := range plan.Ready(rs.plan) {
		ready[s.ID] = true
	}
	var steps []*plan.Step
	for _, s := range layer.Steps {
		if ready[s.ID] {
			steps = append(steps, s)
		}
	}
	rs.mu.Unlock()
	if len(steps) == 0 {
		return false
	}

	layerStart := e.now()
	attrs := []attribute.KeyValue{
		otel.AttrExecutionID.String(rs.execID),
		otel.AttrLayerDepth.Int(layer.Depth),
		otel.AttrLayerSize.Int(len(steps)),
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "plan.layer", attrs...)
	defer span.End()

	// A plain Group: one failing step does not cancel its siblings.
	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for _, s := range steps {
		g.Go(func() error {
			e.runStep(ctx, rs, s)
			return nil
		})
	}
	_ = g.Wait()

	if e.metrics != nil {
		e.metrics.LayerDuration.Record(ctx, e.now().Sub(layerStart).Seconds(), metric.WithAttributes(attrs...))
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range steps {
		if s.Status == plan.StatusFailed {
			return true
		}
	}
	return false
}

func (e *Executor) runStep(ctx context.Context, rs *runState, s *plan.Step) {
	rs.mu.Lock()
	input := ResolveInput(s.Input, rs.plan)
	if err := s.Begin(e.now()); err != nil {
		rs.mu.Unlock()
		e.logger.Warn("step not started", "execution_id", rs.execID, "step_id", s.ID, "error", err)
		return
	}
	view := *s
	rs.mu.Unlock()

	e.record(ctx, rs.execID, &view)
	e.bus.Publish(bus.TopicPlanStepStarted, bus.PlanStepEvent{
		ExecutionID: rs.execID,
		PlanID:      rs.plan.ID,
		StepID:      s.ID,
		Tool:        s.Tool,
		Status:      string(plan.StatusExecuting),
	})

	ctx, span := otel.StartClientSpan(ctx, e.tracer, "plan.step",
		otel.AttrExecutionID.String(rs.execID),
		otel.AttrStepID.String(s.ID),
		otel.AttrTool.String(s.Tool),
	)
	defer span.End()

	started := e.now()
	result, attempts, err := e.retry.do(ctx, func(ctx context.Context) (any, error) {
		return e.callRunner(ctx, &view, input)
	}, func(attempt int, lastErr error) {
		e.bus.Publish(bus.TopicPlanStepRetrying, bus.PlanStepEvent{
			ExecutionID: rs.execID,
			PlanID:      rs.plan.ID,
			StepID:      s.ID,
			Tool:        s.Tool,
			Error:       lastErr.Error(),
			Attempt:     attempt,
		})
	})
	elapsed := e.now().Sub(started)
	span.SetAttributes(otel.AttrAttempt.Int(attempts))

	if err != nil && ctx.Err() != nil {
		// Canceled mid-flight: the step stays executing until RetryFrom
		// resets it.
		span.SetStatus(codes.Error, "canceled")
		return
	}

	call := plan.ToolCall{Tool: s.Tool, Input: input, Output: result}
	rs.mu.Lock()
	if err != nil {
		call.Output = nil
		call.Error = err.Error()
		_ = s.Fail(err.Error(), e.now())
	} else {
		_ = s.Complete(result, e.now())
	}
	s.ToolCalls = append(s.ToolCalls, call)
	view = *s
	rs.mu.Unlock()

	e.record(ctx, rs.execID, &view)

	metricAttrs := metric.WithAttributes(otel.AttrTool.String(s.Tool))
	if e.metrics != nil {
		e.metrics.StepDuration.Record(ctx, elapsed.Seconds(), metricAttrs)
	}
	ev := bus.PlanStepEvent{
		ExecutionID: rs.execID,
		PlanID:      rs.plan.ID,
		StepID:      s.ID,
		Tool:        s.Tool,
		Status:      string(view.Status),
		Attempt:     attempts,
		DurationMs:  elapsed.Milliseconds(),
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.StepErrors.Add(ctx, 1, metricAttrs)
		}
		span.SetStatus(codes.Error, err.Error())
		ev.Error = err.Error()
		e.bus.Publish(bus.TopicPlanStepFailed, ev)
		return
	}
	e.bus.Publish(bus.TopicPlanStepCompleted, ev)
}

func (e *Executor) callRunner(ctx context.Context, step *plan.Step, input map[string]any) (any, error) {
	if e.stepTimeout <= 0 {
		return e.runner.Run(ctx, step, input)
	}
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	out, err := e.runner.Run(stepCtx, step, input)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("step %s timed out after %s: %w", step.ID, e.stepTimeout, err)
	}
	return out, err
}

// skipBlocked marks pending steps downstream of a failure as skipped.
func (e *Executor) skipBlocked(ctx context.Context, rs *runState) {
	rs.mu.Lock()
	blocked := plan.Blocked(rs.plan)
	views := make([]plan.Step, len(blocked))
	for i, s := range blocked {
		s.Status = plan.StatusSkipped
		views[i] = *s
	}
	rs.mu.Unlock()

	for i := range views {
		v := &views[i]
		e.record(ctx, rs.execID, v)
		e.bus.Publish(bus.TopicPlanStepSkipped, bus.PlanStepEvent{
			ExecutionID: rs.execID,
			PlanID:      rs.plan.ID,
			StepID:      v.ID,
			Tool:        v.Tool,
			Status:      string(plan.StatusSkipped),
		})
	}
}

// record persists a step best-effort; the in-memory plan stays the source
// of truth for the run.
func (e *Executor) record(ctx context.Context, execID string, s *plan.Step) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordStep(ctx, execID, s); err != nil {
		e.logger.Error("record step failed", "execution_id", execID, "step_id", s.ID, "error", err)
	}
}

func statusCounts(p *plan.Plan) map[string]int {
	out := make(map[string]int)
	for status, n := range p.Counts() {
		out[string(status)] = n
	}
	return out
}
