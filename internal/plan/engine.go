package plan

import "fmt"

// ExecutionMode selects how layers are formed.
type ExecutionMode string

const (
	ModeParallel ExecutionMode = "parallel"
	// ModeSequential chains every step to its predecessor so each layer
	// holds exactly one step.
	ModeSequential ExecutionMode = "sequential"
)

// SynthesisOptions configures content-step synthesis.
type SynthesisOptions struct {
	// ConsumerTools need generated text before they run (note/file creation).
	ConsumerTools []string
	// ContentFields are the consumer input keys that carry that text.
	ContentFields []string
	// GeneratorTool is the tool name of a content-generation step.
	GeneratorTool string
}

// DefaultSynthesisOptions returns the built-in consumer and field sets.
func DefaultSynthesisOptions() SynthesisOptions {
	return SynthesisOptions{
		ConsumerTools: []string{"create_note", "create_file", "write_file", "append_to_note", "update_note"},
		ContentFields: []string{"content", "text", "file_text"},
		GeneratorTool: "generate_content",
	}
}

// Options configures an Engine.
type Options struct {
	Mode      ExecutionMode
	Synthesis SynthesisOptions
	// DisableSynthesis skips content-step insertion during Normalize.
	DisableSynthesis bool
	Observer         Observer
}

// Engine runs the normalization and state operations against plans it is
// handed. It keeps no per-plan state between calls.
type Engine struct {
	opts Options
}

// NewEngine creates an engine, filling unset synthesis options with defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultSynthesisOptions()
	if len(opts.Synthesis.ConsumerTools) == 0 {
		opts.Synthesis.ConsumerTools = def.ConsumerTools
	}
	if len(opts.Synthesis.ContentFields) == 0 {
		opts.Synthesis.ContentFields = def.ContentFields
	}
	if opts.Synthesis.GeneratorTool == "" {
		opts.Synthesis.GeneratorTool = def.GeneratorTool
	}
	if opts.Mode == "" {
		opts.Mode = ModeParallel
	}
	return &Engine{opts: opts}
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) emit(ev Event) {
	if e.opts.Observer != nil {
		e.opts.Observer.Observe(ev)
	}
}

// Normalize validates the plan, inserts missing content steps, renumbers,
// applies the execution mode and computes layers. The plan is mutated in
// place; the returned layering reflects its final shape.
func (e *Engine) Normalize(p *Plan) (*Layering, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StatusPending
		}
	}
	if !e.opts.DisableSynthesis {
		e.InsertContentSteps(p)
	}
	e.Renumber(p)
	if e.opts.Mode == ModeSequential {
		Sequentialize(p)
	}
	return e.Layers(p)
}

// Renumber assigns dense step<N> ids and rewrites every reference. It
// returns the old-to-new table, empty when nothing changed.
func (e *Engine) Renumber(p *Plan) map[string]string {
	remap := Renumber(p)
	if len(remap) > 0 {
		e.emit(Event{Kind: EventStepsRenumbered, PlanID: p.ID, Remap: remap})
	}
	return remap
}

// Layers computes the layering of p and reports layers and dangling
// dependencies to the observer.
func (e *Engine) Layers(p *Plan) (*Layering, error) {
	l, err := ComputeLayers(p.Steps)
	if err != nil {
		return nil, err
	}
	for _, d := range l.Dangling {
		e.emit(Event{Kind: EventDanglingDependency, PlanID: p.ID, StepID: d.StepID, Err: d})
	}
	for _, layer := range l.Layers {
		e.emit(Event{Kind: EventLayerComputed, PlanID: p.ID, Depth: layer.Depth, StepIDs: layer.IDs()})
	}
	return l, nil
}

// RetryFrom resets stepID and every step depending on it, directly or
// transitively, back to pending. It returns the reset ids in plan order.
func (e *Engine) RetryFrom(p *Plan, stepID string) ([]string, error) {
	reset, err := RetryFrom(p, stepID)
	if err != nil {
		return nil, err
	}
	for _, id := range reset {
		e.emit(Event{Kind: EventStepReset, PlanID: p.ID, StepID: id})
	}
	return reset, nil
}
