package plan

import (
	"fmt"
	"strings"
)

// Renumber gives every step the id step<position+1> and rewrites dependency
// lists, template tokens in inputs and free-text mentions in reasons to
// match. All rewrites use the same old-to-new table in a single pass, so a
// swap such as step1<->step2 is applied correctly. Ids absent from the table
// pass through unchanged. The returned table is empty when no id changed,
// which makes a second call a no-op.
func Renumber(p *Plan) map[string]string {
	remap := make(map[string]string)
	for i, s := range p.Steps {
		newID := fmt.Sprintf("step%d", i+1)
		if s.ID != newID {
			remap[s.ID] = newID
		}
	}
	if len(remap) == 0 {
		return remap
	}

	lookup := func(id string) string {
		if n, ok := remap[id]; ok {
			return n
		}
		return id
	}
	rewriteToken := func(ref TemplateReference) string {
		// Keep everything after the id, path and closing braces included.
		return "{{" + lookup(ref.StepID) + strings.TrimPrefix(ref.Token, "{{"+ref.StepID)
	}

	for i, s := range p.Steps {
		s.ID = fmt.Sprintf("step%d", i+1)

		for j, dep := range s.Dependencies {
			s.Dependencies[j] = lookup(dep)
		}

		if s.Input != nil {
			mapStrings(s.Input, func(v string) string {
				return ReplaceReferences(v, rewriteToken)
			})
		}

		if s.Reason != "" {
			s.Reason = stepMentionPattern.ReplaceAllStringFunc(s.Reason, lookup)
		}
	}
	return remap
}
