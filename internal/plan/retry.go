package plan

import "slices"

// RetryFrom resets the step with the given id to pending and does the same
// for every step that depends on it, directly or transitively, so no result
// computed from the old output survives. Steps already pending are left
// alone but still traversed; steps on unrelated branches are never touched.
// A step caught executing by an abort is reset like a failed one.
//
// It returns the ids that were reset, in plan order. An unknown id returns
// *StepNotFoundError and leaves the plan unchanged.
func RetryFrom(p *Plan, stepID string) ([]string, error) {
	target := p.Step(stepID)
	if target == nil {
		return nil, &StepNotFoundError{StepID: stepID}
	}

	dependents := make(map[string][]*Step, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s)
		}
	}

	reset := map[string]bool{target.ID: true}
	target.reset()

	visited := map[string]bool{target.ID: true}
	queue := []string{target.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, s := range dependents[id] {
			if visited[s.ID] {
				continue
			}
			visited[s.ID] = true
			if s.Status != StatusPending {
				s.reset()
				reset[s.ID] = true
			}
			queue = append(queue, s.ID)
		}
	}

	ids := make([]string, 0, len(reset))
	for _, s := range p.Steps {
		if reset[s.ID] {
			ids = append(ids, s.ID)
			// Duplicate ids are reported once.
			delete(reset, s.ID)
		}
	}
	return ids, nil
}

// Ready returns the pending steps whose dependencies have all completed, in
// plan order. Dependencies that are not in the plan do not block.
func Ready(p *Plan) []*Step {
	status := make(map[string]Status, len(p.Steps))
	for _, s := range p.Steps {
		status[s.ID] = s.Status
	}
	var out []*Step
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.Dependencies {
			if st, ok := status[dep]; ok && st != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// Blocked returns the pending steps that can never become ready because a
// dependency, direct or transitive, has failed or been skipped.
func Blocked(p *Plan) []*Step {
	byID := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
	}
	memo := make(map[string]bool)
	var broken func(id string, seen []string) bool
	broken = func(id string, seen []string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		s := byID[id]
		if s == nil || slices.Contains(seen, id) {
			return false
		}
		if s.Status == StatusFailed || s.Status == StatusSkipped {
			memo[id] = true
			return true
		}
		for _, dep := range s.Dependencies {
			if broken(dep, append(seen, id)) {
				memo[id] = true
				return true
			}
		}
		memo[id] = false
		return false
	}

	var out []*Step
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		for _, dep := range s.Dependencies {
			if broken(dep, []string{s.ID}) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Sequentialize makes every step depend on the step immediately before it,
// which turns each layer into a single step. Existing dependencies are kept.
func Sequentialize(p *Plan) {
	for i := 1; i < len(p.Steps); i++ {
		prev := p.Steps[i-1].ID
		s := p.Steps[i]
		if !slices.Contains(s.Dependencies, prev) {
			s.Dependencies = append(s.Dependencies, prev)
		}
	}
}
