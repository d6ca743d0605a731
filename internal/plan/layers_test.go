package plan

import (
	"errors"
	"reflect"
	"testing"
)

func layerIDs(l *Layering) [][]string {
	out := make([][]string, len(l.Layers))
	for i, layer := range l.Layers {
		out[i] = layer.IDs()
	}
	return out
}

func TestComputeLayers_Diamond(t *testing.T) {
	steps := []*Step{
		{ID: "step1"},
		{ID: "step2", Dependencies: []string{"step1"}},
		{ID: "step3", Dependencies: []string{"step1"}},
		{ID: "step4", Dependencies: []string{"step2", "step3"}},
	}
	l, err := ComputeLayers(steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	want := [][]string{{"step1"}, {"step2", "step3"}, {"step4"}}
	if got := layerIDs(l); !reflect.DeepEqual(got, want) {
		t.Fatalf("layers = %v, want %v", got, want)
	}
	if d, ok := l.DepthOf("step4"); !ok || d != 2 {
		t.Fatalf("DepthOf(step4) = %d, %v", d, ok)
	}
}

func TestComputeLayers_LongestPath(t *testing.T) {
	// step4 depends on step1 directly and through a chain; longest wins.
	steps := []*Step{
		{ID: "step4", Dependencies: []string{"step1", "step3"}},
		{ID: "step1"},
		{ID: "step2", Dependencies: []string{"step1"}},
		{ID: "step3", Dependencies: []string{"step2"}},
		{ID: "step5"},
	}
	l, err := ComputeLayers(steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	want := [][]string{{"step1", "step5"}, {"step2"}, {"step3"}, {"step4"}}
	if got := layerIDs(l); !reflect.DeepEqual(got, want) {
		t.Fatalf("layers = %v, want %v", got, want)
	}
}

func TestComputeLayers_Completeness(t *testing.T) {
	steps := []*Step{
		{ID: "step1"},
		{ID: "step2"},
		{ID: "step3", Dependencies: []string{"step1"}},
		{ID: "step4", Dependencies: []string{"step3", "step2"}},
		{ID: "step5", Dependencies: []string{"step2"}},
		{ID: "step6", Dependencies: []string{"step4", "step5"}},
	}
	l, err := ComputeLayers(steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}

	seen := map[string]int{}
	for _, layer := range l.Layers {
		for _, s := range layer.Steps {
			seen[s.ID]++
		}
	}
	for _, s := range steps {
		if seen[s.ID] != 1 {
			t.Fatalf("step %s appears in %d layers", s.ID, seen[s.ID])
		}
		sd, _ := l.DepthOf(s.ID)
		for _, dep := range s.Dependencies {
			dd, _ := l.DepthOf(dep)
			if dd >= sd {
				t.Fatalf("dependency %s (depth %d) not before %s (depth %d)", dep, dd, s.ID, sd)
			}
		}
	}
	if len(l.Sequence()) != len(steps) {
		t.Fatalf("sequence has %d steps, want %d", len(l.Sequence()), len(steps))
	}
}

func TestComputeLayers_DanglingDependency(t *testing.T) {
	steps := []*Step{
		{ID: "step1", Dependencies: []string{"step42"}},
		{ID: "step2", Dependencies: []string{"step1"}},
	}
	l, err := ComputeLayers(steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	if d, _ := l.DepthOf("step1"); d != 0 {
		t.Fatalf("depth(step1) = %d, want 0", d)
	}
	if len(l.Dangling) != 1 {
		t.Fatalf("dangling = %v", l.Dangling)
	}
	if l.Dangling[0].StepID != "step1" || l.Dangling[0].DependencyID != "step42" {
		t.Fatalf("dangling = %+v", l.Dangling[0])
	}
	if !errors.Is(l.Dangling[0], ErrDanglingDependency) {
		t.Fatal("dangling warning should match ErrDanglingDependency")
	}
}

func TestComputeLayers_Cycle(t *testing.T) {
	steps := []*Step{
		{ID: "step1"},
		{ID: "step2", Dependencies: []string{"step1", "step4"}},
		{ID: "step3", Dependencies: []string{"step2"}},
		{ID: "step4", Dependencies: []string{"step3"}},
	}
	_, err := ComputeLayers(steps)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycErr *CyclicDependencyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("expected *CyclicDependencyError, got %T", err)
	}
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatal("expected errors.Is(err, ErrCyclicDependency)")
	}
	want := []string{"step2", "step4", "step3", "step2"}
	if !reflect.DeepEqual(cycErr.Cycle, want) {
		t.Fatalf("cycle = %v, want %v", cycErr.Cycle, want)
	}
}

func TestComputeLayers_Empty(t *testing.T) {
	l, err := ComputeLayers(nil)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	if len(l.Layers) != 0 {
		t.Fatalf("layers = %v", l.Layers)
	}
}

func TestLayering_Edges(t *testing.T) {
	steps := []*Step{
		{ID: "step1"},
		{ID: "step2"},
		{ID: "step3", Input: map[string]any{"q": "{{step2}}"}, Dependencies: []string{"step1", "step2"}},
		{ID: "step4", Dependencies: []string{"step3", "step9"}},
	}
	l, err := ComputeLayers(steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	want := []Edge{{From: "step2", To: "step3"}, {From: "step3", To: "step4"}}
	if got := l.Edges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("edges = %v, want %v", got, want)
	}
}
