package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/plan"
)

type fakeRecorder struct {
	mu        sync.Mutex
	created   []string
	snapshots int
	steps     map[string][]plan.Status
	completed []string
}

func (r *fakeRecorder) CreateExecution(_ context.Context, execID string, _ *plan.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, execID)
	return nil
}

func (r *fakeRecorder) SaveSnapshot(context.Context, string, *plan.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots++
	return nil
}

func (r *fakeRecorder) RecordStep(_ context.Context, _ string, s *plan.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps == nil {
		r.steps = make(map[string][]plan.Status)
	}
	r.steps[s.ID] = append(r.steps[s.ID], s.Status)
	return nil
}

func (r *fakeRecorder) CompleteExecution(_ context.Context, _ string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, status)
	return nil
}

// scriptedRunner returns canned results per tool and fails the listed step
// ids. It records every call.
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string]any
	fail    map[string]int // step id -> remaining failures
	calls   []string
	inputs  map[string]map[string]any
}

func (r *scriptedRunner) Run(_ context.Context, step *plan.Step, input map[string]any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, step.ID)
	if r.inputs == nil {
		r.inputs = make(map[string]map[string]any)
	}
	r.inputs[step.ID] = input
	if r.fail[step.ID] > 0 {
		r.fail[step.ID]--
		return nil, fmt.Errorf("%s exploded", step.Tool)
	}
	if out, ok := r.results[step.Tool]; ok {
		return out, nil
	}
	return map[string]any{"ok": step.ID}, nil
}

func (r *scriptedRunner) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

func newTestExecutor(runner StepRunner, opts plan.Options, cfg Config) *Executor {
	cfg.Runner = runner
	if cfg.Engine == nil {
		cfg.Engine = plan.NewEngine(opts)
	}
	return NewExecutor(cfg)
}

func pendingStep(id, tool string, deps ...string) *plan.Step {
	return &plan.Step{ID: id, Tool: tool, Dependencies: deps, Status: plan.StatusPending}
}

func TestExecute_ResolvesResultsAcrossLayers(t *testing.T) {
	runner := &scriptedRunner{results: map[string]any{
		"web_search":       map[string]any{"results": []any{"first hit", "second hit"}},
		"summarize":        "short summary",
		"generate_content": map[string]any{"content": "the note body"},
	}}
	p := &plan.Plan{ID: "research", Steps: []*plan.Step{
		{ID: "step1", Tool: "web_search", Input: map[string]any{"query": "go"}},
		{ID: "step2", Tool: "summarize", Input: map[string]any{"text": "Top: {{step1.results.0}}"}, Dependencies: []string{"step1"}},
		{ID: "step3", Tool: "create_note", Input: map[string]any{"title": "Go", "content": ""}, Dependencies: []string{"step2"}},
	}}

	rec := &fakeRecorder{}
	res, err := newTestExecutor(runner, plan.Options{}, Config{Recorder: rec}).Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != ExecutionSucceeded || len(res.Completed) != 4 {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(runner.calls, []string{"step1", "step2", "step3", "step4"}) {
		t.Fatalf("calls = %v", runner.calls)
	}
	if got := runner.inputs["step2"]["text"]; got != "Top: first hit" {
		t.Fatalf("summarize text = %v", got)
	}
	if p.Steps[2].Tool != "generate_content" {
		t.Fatalf("step3 tool = %s", p.Steps[2].Tool)
	}
	if got := runner.inputs["step4"]["content"]; got != "the note body" {
		t.Fatalf("note content = %v", got)
	}
	// The plan keeps its template; the resolved value lives on the tool call.
	if p.Steps[3].Input["content"] != "{{step3.content}}" {
		t.Fatalf("plan input rewritten: %v", p.Steps[3].Input["content"])
	}
	if len(p.Steps[3].ToolCalls) != 1 || p.Steps[3].ToolCalls[0].Input["content"] != "the note body" {
		t.Fatalf("tool calls = %+v", p.Steps[3].ToolCalls)
	}

	if len(rec.created) != 1 || rec.created[0] != res.ExecutionID {
		t.Fatalf("created = %v", rec.created)
	}
	if !reflect.DeepEqual(rec.completed, []string{"succeeded"}) {
		t.Fatalf("completed = %v", rec.completed)
	}
	if got := rec.steps["step1"]; !reflect.DeepEqual(got, []plan.Status{plan.StatusExecuting, plan.StatusCompleted}) {
		t.Fatalf("step1 records = %v", got)
	}
}

func TestExecute_FailureStopsAndSkipsDependents(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]int{"step1": 1}}
	p := &plan.Plan{Steps: []*plan.Step{
		pendingStep("step1", "a"),
		pendingStep("step2", "b"),
		pendingStep("step3", "c", "step2"),
		pendingStep("step4", "d", "step1"),
		pendingStep("step5", "e", "step4"),
	}}

	res, err := newTestExecutor(runner, plan.Options{DisableSynthesis: true}, Config{}).Execute(context.Background(), p)
	var sfe *StepFailedError
	if !errors.As(err, &sfe) || !reflect.DeepEqual(sfe.StepIDs, []string{"step1"}) {
		t.Fatalf("expected StepFailedError for step1, got %v", err)
	}
	if res.Status != ExecutionFailed {
		t.Fatalf("status = %s", res.Status)
	}
	want := map[string]plan.Status{
		"step1": plan.StatusFailed,
		"step2": plan.StatusCompleted,
		"step3": plan.StatusPending, // downstream of a failing layer, not blocked
		"step4": plan.StatusSkipped,
		"step5": plan.StatusSkipped,
	}
	for id, status := range want {
		if got := p.Step(id).Status; got != status {
			t.Fatalf("%s status = %s, want %s", id, got, status)
		}
	}
	if p.Step("step1").Error != "a exploded" {
		t.Fatalf("error = %q", p.Step("step1").Error)
	}
	if !reflect.DeepEqual(res.Skipped, []string{"step4", "step5"}) {
		t.Fatalf("skipped = %v", res.Skipped)
	}
}

func TestRetry_RerunsOnlyInvalidatedSteps(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]int{"step4": 1}}
	p := &plan.Plan{Steps: []*plan.Step{
		pendingStep("step1", "a"),
		pendingStep("step2", "b", "step1"),
		pendingStep("step3", "c", "step1"),
		pendingStep("step4", "d", "step2", "step3"),
	}}
	b := bus.New()
	sub := b.Subscribe(bus.TopicPlanStepReset)
	defer b.Unsubscribe(sub)

	exec := newTestExecutor(runner, plan.Options{DisableSynthesis: true, Observer: bus.PlanObserver(b)}, Config{Bus: b})
	res, err := exec.Execute(context.Background(), p)
	if err == nil || res.Status != ExecutionFailed {
		t.Fatalf("first run should fail, got %v %+v", err, res)
	}

	res, err = exec.Retry(context.Background(), res.ExecutionID, p, "step4")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Status != ExecutionSucceeded {
		t.Fatalf("status = %s", res.Status)
	}
	for id, want := range map[string]int{"step1": 1, "step2": 1, "step3": 1, "step4": 2} {
		if got := runner.callCount(id); got != want {
			t.Fatalf("%s calls = %d, want %d", id, got, want)
		}
	}

	// Retrying from a branch re-runs the branch and the join only.
	if _, err := exec.Retry(context.Background(), res.ExecutionID, p, "step2"); err != nil {
		t.Fatalf("Retry step2: %v", err)
	}
	for id, want := range map[string]int{"step1": 1, "step2": 2, "step3": 1, "step4": 3} {
		if got := runner.callCount(id); got != want {
			t.Fatalf("%s calls = %d, want %d", id, got, want)
		}
	}

	var resets []string
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		resets = append(resets, ev.Payload.(bus.PlanEngineEvent).StepID)
	}
	if !reflect.DeepEqual(resets, []string{"step4", "step2", "step4"}) {
		t.Fatalf("reset events = %v", resets)
	}
}

func TestRetry_UnknownStep(t *testing.T) {
	p := &plan.Plan{Steps: []*plan.Step{pendingStep("step1", "a")}}
	_, err := newTestExecutor(&scriptedRunner{}, plan.Options{}, Config{}).Retry(context.Background(), "x", p, "step9")
	var nf *plan.StepNotFoundError
	if !errors.As(err, &nf) || nf.StepID != "step9" {
		t.Fatalf("expected StepNotFoundError, got %v", err)
	}
	if p.Steps[0].Status != plan.StatusPending {
		t.Fatal("plan must be untouched")
	}
}

func TestExecute_RetriesWithinRun(t *testing.T) {
	var seen []Attempt
	var mu sync.Mutex
	runner := RunnerFunc(func(ctx context.Context, step *plan.Step, _ map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		a := AttemptFromContext(ctx)
		seen = append(seen, a)
		if a.Number < 3 {
			return nil, fmt.Errorf("flaky %d", a.Number)
		}
		return "ok", nil
	})
	b := bus.New()
	sub := b.Subscribe(bus.TopicPlanStepRetrying)
	defer b.Unsubscribe(sub)

	p := &plan.Plan{Steps: []*plan.Step{pendingStep("step1", "a")}}
	exec := newTestExecutor(runner, plan.Options{}, Config{Bus: b, Retry: RetryPolicy{MaxAttempts: 3}})
	res, err := exec.Execute(context.Background(), p)
	if err != nil || res.Status != ExecutionSucceeded {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if len(seen) != 3 || seen[2].PreviousError != "flaky 2" || seen[0].PreviousError != "" {
		t.Fatalf("attempts = %+v", seen)
	}
	if len(sub.Ch()) != 2 {
		t.Fatalf("retrying events = %d, want 2", len(sub.Ch()))
	}
	ev := <-sub.Ch()
	if payload := ev.Payload.(bus.PlanStepEvent); payload.Attempt != 2 || payload.Error != "flaky 1" {
		t.Fatalf("first retry event = %+v", payload)
	}
}

func TestExecute_StepTimeoutIsFailure(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, _ *plan.Step, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := &plan.Plan{Steps: []*plan.Step{pendingStep("step1", "slow")}}
	res, err := newTestExecutor(runner, plan.Options{}, Config{StepTimeout: 20 * time.Millisecond}).Execute(context.Background(), p)
	if err == nil || res.Status != ExecutionFailed {
		t.Fatalf("expected failure, got %+v %v", res, err)
	}
	if !strings.Contains(p.Steps[0].Error, "timed out") {
		t.Fatalf("error = %q", p.Steps[0].Error)
	}
}

func TestExecute_CancelLeavesStepExecuting(t *testing.T) {
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, step *plan.Step, _ map[string]any) (any, error) {
		if step.ID == "step1" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "unreachable", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rec := &fakeRecorder{}
	p := &plan.Plan{Steps: []*plan.Step{pendingStep("step1", "a"), pendingStep("step2", "b", "step1")}}
	exec := newTestExecutor(runner, plan.Options{}, Config{Recorder: rec})
	res, err := exec.Execute(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != ExecutionCanceled {
		t.Fatalf("status = %s", res.Status)
	}
	if p.Steps[0].Status != plan.StatusExecuting || p.Steps[1].Status != plan.StatusPending {
		t.Fatalf("statuses = %s %s", p.Steps[0].Status, p.Steps[1].Status)
	}
	if !reflect.DeepEqual(rec.completed, []string{"canceled"}) {
		t.Fatalf("completed = %v", rec.completed)
	}

	// RetryFrom resets the aborted step so the run can continue.
	runner2 := &scriptedRunner{}
	exec.runner = runner2
	res, err = exec.Retry(context.Background(), res.ExecutionID, p, "step1")
	if err != nil || res.Status != ExecutionSucceeded {
		t.Fatalf("Retry = %+v, %v", res, err)
	}
	if !reflect.DeepEqual(runner2.calls, []string{"step1", "step2"}) {
		t.Fatalf("calls = %v", runner2.calls)
	}
}

func TestExecute_MaxParallel(t *testing.T) {
	var active, peak int32
	runner := RunnerFunc(func(context.Context, *plan.Step, map[string]any) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "ok", nil
	})
	var steps []*plan.Step
	for i := 1; i <= 6; i++ {
		steps = append(steps, pendingStep(fmt.Sprintf("step%d", i), "t"))
	}
	p := &plan.Plan{Steps: steps}
	res, err := newTestExecutor(runner, plan.Options{}, Config{MaxParallel: 2}).Execute(context.Background(), p)
	if err != nil || res.Status != ExecutionSucceeded {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if got := atomic.LoadInt32(&peak); got < 1 || got > 2 {
		t.Fatalf("peak concurrency = %d, want 1..2", got)
	}
}

func TestExecute_SequentialMode(t *testing.T) {
	var active, peak int32
	runner := RunnerFunc(func(context.Context, *plan.Step, map[string]any) (any, error) {
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "ok", nil
	})
	p := &plan.Plan{Steps: []*plan.Step{pendingStep("step1", "a"), pendingStep("step2", "b"), pendingStep("step3", "c")}}
	if _, err := newTestExecutor(runner, plan.Options{Mode: plan.ModeSequential}, Config{}).Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
}

func TestExecute_InvalidPlanRecordsNothing(t *testing.T) {
	rec := &fakeRecorder{}
	p := &plan.Plan{Steps: []*plan.Step{pendingStep("step1", "a", "step2"), pendingStep("step2", "b", "step1")}}
	_, err := newTestExecutor(&scriptedRunner{}, plan.Options{}, Config{Recorder: rec}).Execute(context.Background(), p)
	var cyc *plan.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(rec.created) != 0 {
		t.Fatal("invalid plan must not be recorded")
	}
}

func TestExecute_PublishesLifecycle(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPlanPrefix)
	defer b.Unsubscribe(sub)

	p := &plan.Plan{ID: "p", Steps: []*plan.Step{pendingStep("step1", "a")}}
	exec := newTestExecutor(&scriptedRunner{}, plan.Options{Observer: bus.PlanObserver(b)}, Config{Bus: b})
	if _, err := exec.Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var topics []string
	for len(sub.Ch()) > 0 {
		topics = append(topics, (<-sub.Ch()).Topic)
	}
	want := []string{
		bus.TopicPlanLayerComputed,
		bus.TopicPlanExecutionStarted,
		bus.TopicPlanStepStarted,
		bus.TopicPlanStepCompleted,
		bus.TopicPlanExecutionFinished,
	}
	if !reflect.DeepEqual(topics, want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
}

func TestEchoRunner(t *testing.T) {
	r := EchoRunner{}
	out, err := r.Run(context.Background(), &plan.Step{ID: "step1", Tool: "generate_content"}, map[string]any{"purpose": "content for create_note"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.(map[string]any)["content"] != "[dry-run] content for create_note" {
		t.Fatalf("generator output = %v", out)
	}

	out, _ = r.Run(context.Background(), &plan.Step{ID: "step2", Tool: "create_note"}, map[string]any{"title": "x", "content": "y"})
	if got := out.(map[string]any)["summary"]; got != "[dry-run] create_note(content, title)" {
		t.Fatalf("summary = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (EchoRunner{Delay: time.Second}).Run(ctx, &plan.Step{Tool: "x"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
}
