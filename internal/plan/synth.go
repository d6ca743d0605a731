package plan

import (
	"fmt"
	"slices"
)

type insertion struct {
	index int
	step  *Step
}

// InsertContentSteps inserts a content-generation step in front of every
// consumer step that has no generator upstream, then renumbers the plan if
// anything was inserted. It returns the number of inserted steps.
//
// The consumer's dependencies are replaced by the new step alone; the new
// step inherits the consumer's previous dependencies, so ordering is still
// satisfied transitively.
func (e *Engine) InsertContentSteps(p *Plan) int {
	syn := e.opts.Synthesis
	isGenerator := func(s *Step) bool { return s != nil && s.Tool == syn.GeneratorTool }

	byID := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		if _, dup := byID[s.ID]; !dup {
			byID[s.ID] = s
		}
	}

	next := maxStepNumber(p) + 1
	var pending []insertion

	for i, s := range p.Steps {
		if !slices.Contains(syn.ConsumerTools, s.Tool) {
			continue
		}
		if hasUpstreamGenerator(p, i, byID, isGenerator) {
			continue
		}

		newID := fmt.Sprintf("step%d", next)
		next++

		gen := &Step{
			ID:           newID,
			Tool:         syn.GeneratorTool,
			Input:        generatorInput(s),
			Dependencies: append([]string(nil), s.Dependencies...),
			Reason:       fmt.Sprintf("Generate the content that %s (%s) writes", s.ID, s.Tool),
			Status:       StatusPending,
		}

		s.Dependencies = []string{newID}
		ref := "{{" + newID + ".content}}"
		for _, field := range syn.ContentFields {
			if _, ok := s.Input[field]; ok {
				s.Input[field] = ref
			}
		}

		byID[newID] = gen
		pending = append(pending, insertion{index: i, step: gen})
		e.emit(Event{Kind: EventStepInserted, PlanID: p.ID, StepID: newID, StepIDs: []string{s.ID}})
	}

	if len(pending) == 0 {
		return 0
	}

	// Descending order keeps the recorded indexes valid while inserting.
	for k := len(pending) - 1; k >= 0; k-- {
		ins := pending[k]
		p.Steps = slices.Insert(p.Steps, ins.index, ins.step)
	}

	e.Renumber(p)
	return len(pending)
}

// hasUpstreamGenerator reports whether the consumer at index i already has a
// generator among its direct dependencies, or an earlier-positioned generator
// that it depends on. An empty dependency list accepts any earlier generator.
func hasUpstreamGenerator(p *Plan, i int, byID map[string]*Step, isGenerator func(*Step) bool) bool {
	consumer := p.Steps[i]
	for _, dep := range consumer.Dependencies {
		if isGenerator(byID[dep]) {
			return true
		}
	}
	for _, earlier := range p.Steps[:i] {
		if !isGenerator(earlier) {
			continue
		}
		if len(consumer.Dependencies) == 0 || slices.Contains(consumer.Dependencies, earlier.ID) {
			return true
		}
	}
	return false
}

// generatorInput describes what the synthesized step should produce. It
// carries the consumer's target fields (title, path) but no content field.
func generatorInput(consumer *Step) map[string]any {
	in := map[string]any{
		"purpose": fmt.Sprintf("content for %s", consumer.Tool),
	}
	if consumer.Reason != "" {
		in["instructions"] = consumer.Reason
	}
	for _, key := range []string{"title", "path", "file_path", "filename"} {
		if v, ok := consumer.Input[key]; ok {
			in[key] = v
		}
	}
	return in
}

// maxStepNumber returns the largest N over step ids, dependency entries and
// {{stepN...}} references in inputs, so new ids never collide with a dangling
// reference.
func maxStepNumber(p *Plan) int {
	highest := 0
	note := func(id string) {
		if n, ok := stepNumber(id); ok && n > highest {
			highest = n
		}
	}
	for _, s := range p.Steps {
		note(s.ID)
		for _, dep := range s.Dependencies {
			note(dep)
		}
		walkStrings(s.Input, func(text string) {
			for _, ref := range FindReferences(text) {
				note(ref.StepID)
			}
		})
	}
	return highest
}
