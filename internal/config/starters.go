package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterPlans returns the example plans written into a fresh config.yaml.
func StarterPlans() []PlanConfig {
	return []PlanConfig{
		{
			Name:  "research-note",
			Title: "Research a topic and keep a note",
			Steps: []PlanStepConfig{
				{ID: "step1", Tool: "web_search", Input: map[string]any{"query": "latest Go release notes"}, Reason: "Find the source material"},
				{ID: "step2", Tool: "summarize", Input: map[string]any{"text": "{{step1.results}}"}, Dependencies: []string{"step1"}, Reason: "Condense the findings"},
				{ID: "step3", Tool: "create_note", Input: map[string]any{"title": "Go release notes", "content": ""}, Dependencies: []string{"step2"}, Reason: "Keep the summary"},
			},
		},
	}
}

// WriteStarter creates homeDir/config.yaml with defaults and the starter
// plans. It never overwrites an existing file and reports whether it wrote.
func WriteStarter(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config.yaml: %w", err)
	}

	cfg := defaultConfig()
	cfg.Plans = StarterPlans()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal starter config: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create plangraph home: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
