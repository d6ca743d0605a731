package coordinator

import (
	"fmt"

	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/plan"
)

// PlanFromConfig builds a fresh pending plan from a config definition.
// Steps without an id get step<position>.
func PlanFromConfig(pc config.PlanConfig) *plan.Plan {
	p := &plan.Plan{
		ID:    pc.Name,
		Title: pc.Title,
		Steps: make([]*plan.Step, len(pc.Steps)),
	}
	for i, sc := range pc.Steps {
		id := sc.ID
		if id == "" {
			id = fmt.Sprintf("step%d", i+1)
		}
		p.Steps[i] = &plan.Step{
			ID:           id,
			Tool:         sc.Tool,
			Input:        cloneInput(sc.Input),
			Dependencies: append([]string(nil), sc.Dependencies...),
			Reason:       sc.Reason,
			Status:       plan.StatusPending,
		}
	}
	return p
}

// LoadPlansFromConfig converts config plan definitions into validated plans.
// Each plan is checked for structure and cycles without being normalized.
func LoadPlansFromConfig(configs []config.PlanConfig) (map[string]*plan.Plan, error) {
	plans := make(map[string]*plan.Plan, len(configs))
	for _, pc := range configs {
		if pc.Name == "" {
			return nil, fmt.Errorf("plan has empty name")
		}
		if _, exists := plans[pc.Name]; exists {
			return nil, fmt.Errorf("duplicate plan name: %s", pc.Name)
		}

		p := PlanFromConfig(pc)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.Name, err)
		}
		if _, err := plan.ComputeLayers(p.Steps); err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.Name, err)
		}
		plans[pc.Name] = p
	}
	return plans, nil
}

// cloneInput deep-copies config input so normalizing one run's plan never
// edits the loaded config.
func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneConfigValue(v)
	}
	return out
}

func cloneConfigValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneInput(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneConfigValue(val)
		}
		return out
	default:
		return v
	}
}
