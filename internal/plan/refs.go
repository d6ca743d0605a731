package plan

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// bareRefPattern matches a data reference with no path: {{step3}}.
	bareRefPattern = regexp.MustCompile(`\{\{(step\d+)\}\}`)

	// templateRefPattern matches {{step3}} and {{step3.content.title}}. The
	// path may not contain braces, so adjacent tokens never merge.
	templateRefPattern = regexp.MustCompile(`\{\{(step\d+)((?:\.[^{}]*)?)\}\}`)

	// anchoredRefPattern is templateRefPattern anchored at the start.
	anchoredRefPattern = regexp.MustCompile(`^\{\{(step\d+)((?:\.[^{}]*)?)\}\}`)

	// stepMentionPattern matches free-text mentions of a step id.
	stepMentionPattern = regexp.MustCompile(`step\d+`)
)

// ExtractDataDependencies returns the step ids referenced by bare {{stepN}}
// tokens anywhere in input, deduplicated and in natural order. input may be
// a map, slice or string nested to any depth; nil yields an empty slice.
func ExtractDataDependencies(input any) []string {
	seen := make(map[string]bool)
	walkStrings(input, func(s string) {
		for _, m := range bareRefPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = true
		}
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	SortStepIDs(ids)
	return ids
}

// DisplayDependencies is the dependency set shown to users: the data-derived
// set when the input references other steps, the declared set otherwise.
func DisplayDependencies(s *Step) []string {
	if s == nil {
		return nil
	}
	if data := ExtractDataDependencies(s.Input); len(data) > 0 {
		return data
	}
	deps := append([]string(nil), s.Dependencies...)
	SortStepIDs(deps)
	return deps
}

// TemplateReference is one parsed {{stepN.path}} token.
type TemplateReference struct {
	Token  string
	StepID string
	// Path is the dotted path after the step id, without the leading dot.
	Path string
}

// ParseReference parses s when it consists of exactly one template token.
func ParseReference(s string) (TemplateReference, bool) {
	m := anchoredRefPattern.FindStringSubmatch(s)
	if m == nil || len(m[0]) != len(s) {
		return TemplateReference{}, false
	}
	return TemplateReference{Token: m[0], StepID: m[1], Path: strings.TrimPrefix(m[2], ".")}, true
}

// FindReferences returns every template token in s, in order of appearance.
func FindReferences(s string) []TemplateReference {
	matches := templateRefPattern.FindAllStringSubmatch(s, -1)
	refs := make([]TemplateReference, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, TemplateReference{Token: m[0], StepID: m[1], Path: strings.TrimPrefix(m[2], ".")})
	}
	return refs
}

// ReplaceReferences rewrites every template token in s using fn. Text that
// does not form a complete token is left as is.
func ReplaceReferences(s string, fn func(ref TemplateReference) string) string {
	return templateRefPattern.ReplaceAllStringFunc(s, func(token string) string {
		ref, ok := ParseReference(token)
		if !ok {
			return token
		}
		return fn(ref)
	})
}

// LintReferences reports "{{step" openings that do not form a valid token.
// Such text is treated as literal everywhere else in this package.
func LintReferences(p *Plan) []*MalformedReferenceError {
	var out []*MalformedReferenceError
	for _, s := range p.Steps {
		walkStrings(s.Input, func(v string) {
			rest := v
			for {
				i := strings.Index(rest, "{{step")
				if i < 0 {
					return
				}
				rest = rest[i:]
				if m := anchoredRefPattern.FindString(rest); m != "" {
					rest = rest[len(m):]
					continue
				}
				token := rest
				if end := strings.Index(rest, "}}"); end >= 0 {
					token = rest[:end+2]
				}
				out = append(out, &MalformedReferenceError{StepID: s.ID, Token: token})
				rest = rest[len("{{step"):]
			}
		})
	}
	return out
}

// SortStepIDs orders ids by their numeric suffix so that step2 sorts before
// step10. Ids without a numeric suffix sort after numbered ones, by name.
func SortStepIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		ni, oki := stepNumber(ids[i])
		nj, okj := stepNumber(ids[j])
		switch {
		case oki && okj:
			if ni != nj {
				return ni < nj
			}
			return ids[i] < ids[j]
		case oki:
			return true
		case okj:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

// stepNumber returns N for an id of the form stepN.
func stepNumber(id string) (int, bool) {
	digits, ok := strings.CutPrefix(id, "step")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// walkStrings calls fn for every string leaf in v.
func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	case []any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	case []string:
		for _, val := range t {
			fn(val)
		}
	case map[string]string:
		for _, val := range t {
			fn(val)
		}
	}
}

// mapStrings replaces every string leaf of v with fn(leaf). Maps and slices
// are updated in place; the returned value matters for a bare string.
func mapStrings(v any, fn func(string) string) (any, bool) {
	switch t := v.(type) {
	case string:
		out := fn(t)
		return out, out != t
	case map[string]any:
		changed := false
		for k, val := range t {
			if nv, ok := mapStrings(val, fn); ok {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, val := range t {
			if nv, ok := mapStrings(val, fn); ok {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	case []string:
		changed := false
		for i, val := range t {
			if nv := fn(val); nv != val {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	case map[string]string:
		changed := false
		for k, val := range t {
			if nv := fn(val); nv != val {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	default:
		return v, false
	}
}
