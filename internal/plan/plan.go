// Package plan holds the step dependency graph engine: data-dependency
// extraction, content-step synthesis, renumbering, layering and retry
// invalidation. It performs no I/O and holds no locks; callers that mutate a
// Plan from several goroutines must serialize those writes themselves.
package plan

import (
	"fmt"
	"time"
)

// Status is the execution state of a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSkipped is display-only: a step whose upstream failed.
	StatusSkipped Status = "skipped"
)

// Icon returns a display icon for the status.
func (s Status) Icon() string {
	switch s {
	case StatusPending:
		return "○"
	case StatusExecuting:
		return "◐"
	case StatusCompleted:
		return "●"
	case StatusFailed:
		return "✗"
	case StatusSkipped:
		return "⊘"
	default:
		return "?"
	}
}

// Terminal reports whether the status is an outcome of an execution attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ToolCall records one tool invocation made while executing a step.
type ToolCall struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Input  map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Output any            `json:"output,omitempty" yaml:"output,omitempty"`
	Error  string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Step is one planned unit of work.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	Tool         string         `json:"tool" yaml:"tool"`
	Input        map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Reason       string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Status       Status         `json:"status" yaml:"status"`
	Result       any            `json:"result,omitempty" yaml:"result,omitempty"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	FinishedAt   time.Time      `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
}

// Begin moves a pending step to executing.
func (s *Step) Begin(now time.Time) error {
	if s.Status != StatusPending {
		return &InvalidTransitionError{StepID: s.ID, From: s.Status, To: StatusExecuting}
	}
	s.Status = StatusExecuting
	s.StartedAt = now
	s.FinishedAt = time.Time{}
	return nil
}

// Complete records a successful outcome for an executing step.
func (s *Step) Complete(result any, now time.Time) error {
	if s.Status != StatusExecuting {
		return &InvalidTransitionError{StepID: s.ID, From: s.Status, To: StatusCompleted}
	}
	s.Status = StatusCompleted
	s.Result = result
	s.Error = ""
	s.FinishedAt = now
	return nil
}

// Fail records a failed outcome for an executing step.
func (s *Step) Fail(errMsg string, now time.Time) error {
	if s.Status != StatusExecuting {
		return &InvalidTransitionError{StepID: s.ID, From: s.Status, To: StatusFailed}
	}
	s.Status = StatusFailed
	s.Result = nil
	s.Error = errMsg
	s.FinishedAt = now
	return nil
}

// Duration returns how long the step ran, or zero if it never started.
func (s *Step) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Step) reset() {
	s.Status = StatusPending
	s.Result = nil
	s.Error = ""
	s.ToolCalls = nil
	s.StartedAt = time.Time{}
	s.FinishedAt = time.Time{}
}

// Plan is an ordered collection of steps plus plan-level metadata.
type Plan struct {
	ID              string  `json:"id" yaml:"id"`
	Title           string  `json:"title,omitempty" yaml:"title,omitempty"`
	EstimatedTokens int     `json:"estimated_tokens,omitempty" yaml:"estimated_tokens,omitempty"`
	Steps           []*Step `json:"steps" yaml:"steps"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Index returns the position of the step with the given id, or -1.
func (p *Plan) Index(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Counts tallies steps by status.
func (p *Plan) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

// Done reports whether every step reached completed.
func (p *Plan) Done() bool {
	for _, s := range p.Steps {
		if s.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Validate checks that the plan is well-formed. Dangling dependencies are
// not an error here; layering reports them as warnings.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s == nil {
			return fmt.Errorf("step at position %d is nil", i)
		}
		if s.ID == "" {
			return fmt.Errorf("step at position %d has empty ID", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step ID: %s", s.ID)
		}
		seen[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return fmt.Errorf("step %s depends on itself", s.ID)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the plan, safe to hand to readers while the
// original keeps being mutated.
func (p *Plan) Clone() *Plan {
	out := &Plan{
		ID:              p.ID,
		Title:           p.Title,
		EstimatedTokens: p.EstimatedTokens,
		Steps:           make([]*Step, len(p.Steps)),
	}
	for i, s := range p.Steps {
		cp := *s
		cp.Input, _ = cloneValue(s.Input).(map[string]any)
		cp.Dependencies = append([]string(nil), s.Dependencies...)
		cp.Result = cloneValue(s.Result)
		if s.ToolCalls != nil {
			cp.ToolCalls = make([]ToolCall, len(s.ToolCalls))
			for j, tc := range s.ToolCalls {
				tc.Input, _ = cloneValue(tc.Input).(map[string]any)
				tc.Output = cloneValue(tc.Output)
				cp.ToolCalls[j] = tc
			}
		}
		out.Steps[i] = &cp
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
