// Package config loads plangraph settings from $PLANGRAPH_HOME/config.yaml
// with PLANGRAPH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/plangraph/internal/cron"
	"github.com/basket/plangraph/internal/otel"
	"github.com/basket/plangraph/internal/plan"
	"gopkg.in/yaml.v3"
)

// ExecutionConfig controls how the executor drives layers.
type ExecutionConfig struct {
	// Mode is "parallel" (default) or "sequential".
	Mode               string `yaml:"mode"`
	MaxParallel        int    `yaml:"max_parallel"`
	StepTimeoutSeconds int    `yaml:"step_timeout_seconds"`
	// MaxAttempts is how many times a failing step is run before it is
	// marked failed. 1 disables in-run retries.
	MaxAttempts    int `yaml:"max_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// SynthesisConfig overrides the content-step synthesizer's tool sets.
type SynthesisConfig struct {
	Disabled      bool     `yaml:"disabled"`
	ConsumerTools []string `yaml:"consumer_tools"`
	ContentFields []string `yaml:"content_fields"`
	GeneratorTool string   `yaml:"generator_tool"`
}

// PlanConfig defines a named plan in config.yaml. Plans with a Schedule are
// run by the cron scheduler.
type PlanConfig struct {
	Name     string           `yaml:"name"`
	Title    string           `yaml:"title"`
	Schedule string           `yaml:"schedule"`
	Steps    []PlanStepConfig `yaml:"steps"`
}

// PlanStepConfig defines a step within a configured plan.
type PlanStepConfig struct {
	ID           string         `yaml:"id"`
	Tool         string         `yaml:"tool"`
	Input        map[string]any `yaml:"input"`
	Dependencies []string       `yaml:"dependencies"`
	Reason       string         `yaml:"reason"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`
	// AuthToken protects the gateway. Empty disables auth, which is only
	// allowed on a loopback bind address.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins lists Origin patterns accepted on /ws. Empty means
	// same-host only.
	AllowOrigins []string `yaml:"allow_origins"`
	DBPath       string   `yaml:"db_path"`
	// CronTickSeconds is how often the scheduler checks for due plans.
	CronTickSeconds int `yaml:"cron_tick_seconds"`
	// RetentionDays purges finished executions older than this many days.
	// 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`

	Execution ExecutionConfig `yaml:"execution"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	OTel      otel.Config     `yaml:"otel"`
	Plans     []PlanConfig    `yaml:"plans"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns the sqlite path, relative paths resolved against the
// home directory.
func (c Config) DatabasePath() string {
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, c.DBPath)
}

// StepTimeout returns the per-step timeout, zero meaning none.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.Execution.StepTimeoutSeconds) * time.Second
}

// RetryBackoff returns the delay between in-run attempts of a step.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Execution.RetryBackoffMs) * time.Millisecond
}

// EngineOptions maps the execution and synthesis sections onto engine
// options. The observer is left for the caller.
func (c Config) EngineOptions() plan.Options {
	return plan.Options{
		Mode:             plan.ExecutionMode(c.Execution.Mode),
		DisableSynthesis: c.Synthesis.Disabled,
		Synthesis: plan.SynthesisOptions{
			ConsumerTools: c.Synthesis.ConsumerTools,
			ContentFields: c.Synthesis.ContentFields,
			GeneratorTool: c.Synthesis.GeneratorTool,
		},
	}
}

// Plan returns the configured plan with the given name.
func (c Config) Plan(name string) (PlanConfig, bool) {
	for _, p := range c.Plans {
		if p.Name == name {
			return p, true
		}
	}
	return PlanConfig{}, false
}

// Fingerprint returns a stable hash of the settings that affect a running
// server, so a reload can tell whether anything changed.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|db=%s|mode=%s|par=%d|timeout=%d|attempts=%d|synth=%v|otel=%v",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.DBPath, c.Execution.Mode, c.Execution.MaxParallel,
		c.Execution.StepTimeoutSeconds, c.Execution.MaxAttempts, c.Synthesis, c.OTel)
	for _, p := range c.Plans {
		fmt.Fprintf(h, "|plan=%s@%s:%d", p.Name, p.Schedule, len(p.Steps))
		for _, s := range p.Steps {
			fmt.Fprintf(h, "|%s:%s:%v:%v", s.ID, s.Tool, s.Dependencies, s.Input)
		}
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		BindAddr:        "127.0.0.1:18790",
		DBPath:          "plangraph.db",
		CronTickSeconds: 30,
		RetentionDays:   30,
		Execution: ExecutionConfig{
			Mode:               string(plan.ModeParallel),
			MaxParallel:        4,
			StepTimeoutSeconds: int((5 * time.Minute).Seconds()),
			MaxAttempts:        1,
			RetryBackoffMs:     500,
		},
	}
}

// HomeDir returns $PLANGRAPH_HOME, or ~/.plangraph.
func HomeDir() string {
	if override := os.Getenv("PLANGRAPH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".plangraph")
}

// Load reads the configuration from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml, applies env overrides, fills defaults
// and validates the result. A missing file yields defaults with NeedsInit
// set.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create plangraph home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.NeedsInit = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "plangraph.db"
	}
	if cfg.CronTickSeconds <= 0 {
		cfg.CronTickSeconds = 30
	}
	cfg.Execution.Mode = strings.ToLower(strings.TrimSpace(cfg.Execution.Mode))
	if cfg.Execution.Mode == "" {
		cfg.Execution.Mode = string(plan.ModeParallel)
	}
	if cfg.Execution.MaxParallel < 0 {
		cfg.Execution.MaxParallel = 0
	}
	if cfg.Execution.StepTimeoutSeconds < 0 {
		cfg.Execution.StepTimeoutSeconds = 0
	}
	if cfg.Execution.MaxAttempts <= 0 {
		cfg.Execution.MaxAttempts = 1
	}
	if cfg.Execution.RetryBackoffMs < 0 {
		cfg.Execution.RetryBackoffMs = 0
	}
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch plan.ExecutionMode(c.Execution.Mode) {
	case plan.ModeParallel, plan.ModeSequential:
	default:
		return fmt.Errorf("execution.mode %q must be parallel or sequential", c.Execution.Mode)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	if c.AuthToken == "" && !isLoopback(c.BindAddr) {
		return fmt.Errorf("auth_token is required when bind_addr %q is not loopback", c.BindAddr)
	}

	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if p.Name == "" {
			return fmt.Errorf("plan has empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate plan name: %s", p.Name)
		}
		seen[p.Name] = true
		if len(p.Steps) == 0 {
			return fmt.Errorf("plan %s has no steps", p.Name)
		}
		if p.Schedule != "" {
			if err := cron.ValidateSchedule(p.Schedule); err != nil {
				return fmt.Errorf("plan %s: %w", p.Name, err)
			}
		}
		for i, s := range p.Steps {
			if strings.TrimSpace(s.Tool) == "" {
				return fmt.Errorf("plan %s step %d: tool is required", p.Name, i+1)
			}
		}
	}
	return nil
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PLANGRAPH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PLANGRAPH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PLANGRAPH_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("PLANGRAPH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("PLANGRAPH_EXECUTION_MODE"); raw != "" {
		cfg.Execution.Mode = raw
	}
	if raw := os.Getenv("PLANGRAPH_MAX_PARALLEL"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Execution.MaxParallel = v
		}
	}
	if raw := os.Getenv("PLANGRAPH_STEP_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Execution.StepTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("PLANGRAPH_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Execution.MaxAttempts = v
		}
	}
	if raw := os.Getenv("PLANGRAPH_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("PLANGRAPH_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
