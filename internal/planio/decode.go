// Package planio turns planner output and plan files into plan.Plan values.
package planio

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/plangraph/internal/plan"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed plan.schema.json
var planSchema string

// DecodeError describes planner output that could not be turned into a plan.
type DecodeError struct {
	Message string
	Raw     string
}

func (e *DecodeError) Error() string { return e.Message }

// Decoder extracts a step list from planner output and validates it against
// the plan schema.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the embedded plan schema.
func NewDecoder() (*Decoder, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("plan.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode finds the JSON in text, validates it and returns the plan. The JSON
// may be a plan object or a bare array of steps. Steps without an id get
// step<position>, and steps without a status start pending.
func (d *Decoder) Decode(text string) (*plan.Plan, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, &DecodeError{Message: "planner output does not contain JSON", Raw: text}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: text}
	}
	if steps, ok := doc.([]any); ok {
		doc = map[string]any{"steps": steps}
		raw = `{"steps":` + raw + `}`
	}

	if err := d.schema.Validate(doc); err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("plan schema validation failed: %s", err), Raw: text}
	}

	var p plan.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("decode plan: %s", err), Raw: text}
	}
	applyDefaults(&p)
	return &p, nil
}

func applyDefaults(p *plan.Plan) {
	taken := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID != "" {
			taken[s.ID] = true
		}
	}
	next := len(p.Steps) + 1
	for i, s := range p.Steps {
		if s.Status == "" {
			s.Status = plan.StatusPending
		}
		if s.ID != "" {
			continue
		}
		id := fmt.Sprintf("step%d", i+1)
		for taken[id] {
			id = fmt.Sprintf("step%d", next)
			next++
		}
		s.ID = id
		taken[id] = true
	}
}

// extractJSON finds a JSON object or array in planner output: a ```json
// fence first, then a generic fence, then the first balanced value.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		candidate := extractBalanced(text[i:])
		if candidate == "" {
			continue
		}
		if isJSON(candidate) {
			return candidate
		}
		// Values nested in a bracketed span that fails to parse are not
		// considered; the scan resumes after the span.
		i += len(candidate) - 1
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the bracketed value at the start of s, honoring
// string literals and escapes, or "" if it never closes.
func extractBalanced(s string) string {
	if s == "" {
		return ""
	}
	open := s[0]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
