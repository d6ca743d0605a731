package plan

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func completedStep(id string, deps ...string) *Step {
	return &Step{
		ID:           id,
		Tool:         "t",
		Dependencies: deps,
		Status:       StatusCompleted,
		Result:       map[string]any{"content": id},
		ToolCalls:    []ToolCall{{Tool: "t"}},
		StartedAt:    time.Unix(100, 0),
		FinishedAt:   time.Unix(101, 0),
	}
}

func TestRetryFrom_Diamond(t *testing.T) {
	// A -> B, A -> C, B -> D, C -> D
	p := &Plan{Steps: []*Step{
		completedStep("step1"),
		completedStep("step2", "step1"),
		completedStep("step3", "step1"),
		completedStep("step4", "step2", "step3"),
	}}

	reset, err := RetryFrom(p, "step1")
	if err != nil {
		t.Fatalf("RetryFrom: %v", err)
	}
	if !reflect.DeepEqual(reset, []string{"step1", "step2", "step3", "step4"}) {
		t.Fatalf("reset = %v", reset)
	}
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			t.Fatalf("%s status = %q, want pending", s.ID, s.Status)
		}
		if s.Result != nil || s.Error != "" || s.ToolCalls != nil {
			t.Fatalf("%s not cleared: %+v", s.ID, s)
		}
		if !s.StartedAt.IsZero() || !s.FinishedAt.IsZero() {
			t.Fatalf("%s timestamps not cleared", s.ID)
		}
	}
}

func TestRetryFrom_LeavesUnrelatedBranches(t *testing.T) {
	p := &Plan{Steps: []*Step{
		completedStep("step1"),
		completedStep("step2", "step1"),
		completedStep("step3", "step1"),
		completedStep("step4", "step2", "step3"),
	}}
	reset, err := RetryFrom(p, "step2")
	if err != nil {
		t.Fatalf("RetryFrom: %v", err)
	}
	if !reflect.DeepEqual(reset, []string{"step2", "step4"}) {
		t.Fatalf("reset = %v", reset)
	}
	if p.Steps[0].Status != StatusCompleted || p.Steps[2].Status != StatusCompleted {
		t.Fatal("unrelated steps must keep their status")
	}
}

func TestRetryFrom_TraversesPendingAndResetsAborted(t *testing.T) {
	failed := completedStep("step1")
	failed.Status = StatusFailed
	failed.Result = nil
	failed.Error = "boom"

	middle := &Step{ID: "step2", Dependencies: []string{"step1"}, Status: StatusPending}
	skipped := &Step{ID: "step3", Dependencies: []string{"step2"}, Status: StatusSkipped}
	aborted := &Step{ID: "step4", Dependencies: []string{"step3"}, Status: StatusExecuting, StartedAt: time.Unix(5, 0)}

	p := &Plan{Steps: []*Step{failed, middle, skipped, aborted}}
	reset, err := RetryFrom(p, "step1")
	if err != nil {
		t.Fatalf("RetryFrom: %v", err)
	}
	if !reflect.DeepEqual(reset, []string{"step1", "step3", "step4"}) {
		t.Fatalf("reset = %v", reset)
	}
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			t.Fatalf("%s status = %q", s.ID, s.Status)
		}
	}
	if failed.Error != "" {
		t.Fatalf("error not cleared: %q", failed.Error)
	}
}

func TestRetryFrom_UnknownStep(t *testing.T) {
	p := &Plan{Steps: []*Step{completedStep("step1")}}
	_, err := RetryFrom(p, "step9")
	var nf *StepNotFoundError
	if !errors.As(err, &nf) || nf.StepID != "step9" {
		t.Fatalf("expected StepNotFoundError for step9, got %v", err)
	}
	if !errors.Is(err, ErrStepNotFound) {
		t.Fatal("expected errors.Is(err, ErrStepNotFound)")
	}
	if p.Steps[0].Status != StatusCompleted {
		t.Fatal("plan must be untouched")
	}
}

func TestReady(t *testing.T) {
	p := &Plan{Steps: []*Step{
		completedStep("step1"),
		{ID: "step2", Dependencies: []string{"step1"}, Status: StatusPending},
		{ID: "step3", Dependencies: []string{"step2"}, Status: StatusPending},
		{ID: "step4", Dependencies: []string{"step77"}, Status: StatusPending},
		{ID: "step5", Status: StatusExecuting},
	}}
	var ids []string
	for _, s := range Ready(p) {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []string{"step2", "step4"}) {
		t.Fatalf("ready = %v", ids)
	}
}

func TestBlocked(t *testing.T) {
	p := &Plan{Steps: []*Step{
		{ID: "step1", Status: StatusFailed},
		{ID: "step2", Dependencies: []string{"step1"}, Status: StatusPending},
		{ID: "step3", Dependencies: []string{"step2"}, Status: StatusPending},
		completedStep("step4"),
		{ID: "step5", Dependencies: []string{"step4"}, Status: StatusPending},
	}}
	var ids []string
	for _, s := range Blocked(p) {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []string{"step2", "step3"}) {
		t.Fatalf("blocked = %v", ids)
	}
}

func TestSequentialize(t *testing.T) {
	p := &Plan{Steps: []*Step{
		{ID: "step1"},
		{ID: "step2"},
		{ID: "step3", Dependencies: []string{"step1"}},
		{ID: "step4", Dependencies: []string{"step3"}},
	}}
	Sequentialize(p)

	if len(p.Steps[0].Dependencies) != 0 {
		t.Fatalf("first step deps = %v", p.Steps[0].Dependencies)
	}
	if !reflect.DeepEqual(p.Steps[2].Dependencies, []string{"step1", "step2"}) {
		t.Fatalf("step3 deps = %v", p.Steps[2].Dependencies)
	}
	if !reflect.DeepEqual(p.Steps[3].Dependencies, []string{"step3"}) {
		t.Fatalf("step4 deps = %v", p.Steps[3].Dependencies)
	}

	l, err := ComputeLayers(p.Steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	if len(l.Layers) != len(p.Steps) {
		t.Fatalf("got %d layers, want %d", len(l.Layers), len(p.Steps))
	}
	for _, layer := range l.Layers {
		if len(layer.Steps) != 1 {
			t.Fatalf("layer %d has %d steps", layer.Depth, len(layer.Steps))
		}
	}
}
