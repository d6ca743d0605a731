package tui

import (
	"strings"
	"testing"

	"github.com/basket/plangraph/internal/plan"
)

func TestRenderLayers_ColumnsEdgesAndWarnings(t *testing.T) {
	steps := []*plan.Step{
		{ID: "step1", Tool: "web_search", Status: plan.StatusCompleted},
		{ID: "step2", Tool: "summarize", Dependencies: []string{"step1"}, Status: plan.StatusFailed},
		{ID: "step3", Tool: "create_note", Dependencies: []string{"step2", "step9"}, Status: plan.StatusSkipped},
	}
	l, err := plan.ComputeLayers(steps)
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}

	out := RenderLayers(l, false)
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain render contains escape sequences:\n%s", out)
	}
	for _, want := range []string{
		"Layer 0", "Layer 1", "Layer 2",
		"● step1", "✗ step2", "⊘ step3",
		"web_search", "create_note",
		"step1 → step2", "step2 → step3",
		"Warnings", "depends on unknown step step9",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}

	// Columns sit side by side: the first line holds every layer's border.
	first := strings.SplitN(out, "\n", 2)[0]
	if strings.Count(first, "╭") != 3 {
		t.Fatalf("expected 3 columns on the first line, got %q", first)
	}
}

func TestRenderLayers_Empty(t *testing.T) {
	if out := RenderLayers(nil, false); !strings.Contains(out, "empty plan") {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderLayers_ParallelStepsShareColumn(t *testing.T) {
	l, err := plan.ComputeLayers([]*plan.Step{
		{ID: "step1", Tool: "a", Status: plan.StatusPending},
		{ID: "step2", Tool: "b", Status: plan.StatusPending},
	})
	if err != nil {
		t.Fatalf("ComputeLayers: %v", err)
	}
	out := RenderLayers(l, true)
	if strings.Contains(out, "Layer 1") || strings.Contains(out, "Edges") {
		t.Fatalf("independent steps should render as one layer without edges:\n%s", out)
	}
	if !strings.Contains(out, "step1") || !strings.Contains(out, "step2") {
		t.Fatalf("missing steps:\n%s", out)
	}
}

func TestHumanError(t *testing.T) {
	tests := map[string]string{
		"step step2: summarize: connection refused": "Connection refused",
		"boom": "Boom",
		"":     "",
		"trailing: ": "Trailing: ",
	}
	for in, want := range tests {
		if got := humanError(in); got != want {
			t.Errorf("humanError(%q) = %q, want %q", in, got, want)
		}
	}
}
