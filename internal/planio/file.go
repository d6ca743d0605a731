package planio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/plangraph/internal/plan"
	"gopkg.in/yaml.v3"
)

// Load reads a plan file. Files ending in .yaml or .yml are YAML; anything
// else is treated as planner output and may contain fenced JSON. Both go
// through the same schema validation.
func Load(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}

	if isYAML(path) {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan yaml %s: %w", path, err)
		}
		asJSON, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert plan yaml %s: %w", path, err)
		}
		data = asJSON
	}

	p, err := dec.Decode(string(data))
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Save writes p to path as YAML or indented JSON, chosen by extension.
func Save(path string, p *plan.Plan) error {
	data, err := Marshal(p, formatFor(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	return nil
}

// Format is an on-disk plan encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown plan format %q (want json or yaml)", s)
	}
}

// Marshal encodes p in the given format.
func Marshal(p *plan.Plan, f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		data, err := yaml.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal plan yaml: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal plan json: %w", err)
		}
		return append(data, '\n'), nil
	}
}

func formatFor(path string) Format {
	if isYAML(path) {
		return FormatYAML
	}
	return FormatJSON
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
