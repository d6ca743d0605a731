package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/basket/plangraph/internal/plan"
	"github.com/tidwall/gjson"
)

// ResolveInput returns a copy of input with {{stepN}} and {{stepN.path}}
// references replaced by results of completed steps in p. A string that is
// exactly one token becomes the referenced value itself; tokens embedded in
// longer text are interpolated as text. References to unknown or
// unfinished steps, and paths that do not exist, are left as written.
func ResolveInput(input map[string]any, p *plan.Plan) map[string]any {
	if input == nil {
		return nil
	}
	out, _ := resolveValue(input, p).(map[string]any)
	return out
}

func resolveValue(v any, p *plan.Plan) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, p)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = resolveValue(val, p)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolveValue(val, p)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolveString(val, p)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, p *plan.Plan) any {
	if ref, ok := plan.ParseReference(s); ok {
		if val, found := lookupReference(ref, p); found {
			return val
		}
		return s
	}
	return plan.ReplaceReferences(s, func(ref plan.TemplateReference) string {
		val, found := lookupReference(ref, p)
		if !found {
			return ref.Token
		}
		return stringify(val)
	})
}

func lookupReference(ref plan.TemplateReference, p *plan.Plan) (any, bool) {
	s := p.Step(ref.StepID)
	if s == nil || s.Status != plan.StatusCompleted {
		return nil, false
	}
	if ref.Path == "" {
		return s.Result, true
	}
	data, err := json.Marshal(s.Result)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, ref.Path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
