package plan

import "slices"

// Layer is a set of steps at the same topological depth. Steps within a
// layer have no dependency between them and may run concurrently.
type Layer struct {
	Depth int
	Steps []*Step
}

// IDs returns the step ids of the layer in order.
func (l Layer) IDs() []string {
	ids := make([]string, len(l.Steps))
	for i, s := range l.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Edge is a display edge from a dependency to the step that uses it.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Layering is the result of one layering computation.
type Layering struct {
	Layers []Layer
	// Dangling lists dependencies that did not resolve to a step. They
	// contributed no depth.
	Dangling []*DanglingDependencyError

	depth map[string]int
}

// DepthOf returns the computed depth of a step.
func (l *Layering) DepthOf(id string) (int, bool) {
	d, ok := l.depth[id]
	return d, ok
}

// Sequence flattens the layers into one execution order.
func (l *Layering) Sequence() []*Step {
	var out []*Step
	for _, layer := range l.Layers {
		out = append(out, layer.Steps...)
	}
	return out
}

// Edges returns the display edges of every laid-out step, built from
// DisplayDependencies. Edges to steps outside the plan are omitted.
func (l *Layering) Edges() []Edge {
	var edges []Edge
	for _, s := range l.Sequence() {
		for _, dep := range DisplayDependencies(s) {
			if _, ok := l.depth[dep]; ok {
				edges = append(edges, Edge{From: dep, To: s.ID})
			}
		}
	}
	return edges
}

const (
	unvisited = iota
	inProgress
	done
)

// ComputeLayers assigns each step a depth of 0 when it has no resolvable
// dependencies and 1 + the deepest dependency otherwise, then groups steps by
// depth. Layers are ordered by depth; steps keep their relative order within
// a layer. A dependency cycle returns *CyclicDependencyError.
func ComputeLayers(steps []*Step) (*Layering, error) {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; !dup {
			byID[s.ID] = s
		}
	}

	l := &Layering{depth: make(map[string]int, len(steps))}
	state := make(map[string]int, len(steps))
	var stack []string

	var visit func(s *Step) (int, error)
	visit = func(s *Step) (int, error) {
		switch state[s.ID] {
		case done:
			return l.depth[s.ID], nil
		case inProgress:
			start := slices.Index(stack, s.ID)
			cycle := append(slices.Clone(stack[start:]), s.ID)
			return 0, &CyclicDependencyError{Cycle: cycle}
		}

		state[s.ID] = inProgress
		stack = append(stack, s.ID)

		depth := 0
		for _, depID := range s.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			d, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if d+1 > depth {
				depth = d + 1
			}
		}

		stack = stack[:len(stack)-1]
		state[s.ID] = done
		l.depth[s.ID] = depth
		return depth, nil
	}

	for _, s := range steps {
		for _, depID := range s.Dependencies {
			if _, ok := byID[depID]; !ok {
				l.Dangling = append(l.Dangling, &DanglingDependencyError{StepID: s.ID, DependencyID: depID})
			}
		}
	}

	maxDepth := -1
	for _, s := range steps {
		d, err := visit(s)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	if maxDepth < 0 {
		return l, nil
	}
	l.Layers = make([]Layer, maxDepth+1)
	for i := range l.Layers {
		l.Layers[i].Depth = i
	}
	for _, s := range steps {
		d := l.depth[s.ID]
		l.Layers[d].Steps = append(l.Layers[d].Steps, s)
	}
	return l, nil
}
