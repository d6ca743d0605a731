// Package doctor runs local diagnostics for `plangraph doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/coordinator"
	"github.com/basket/plangraph/internal/cron"
	"github.com/basket/plangraph/internal/persistence"
	"github.com/basket/plangraph/internal/plan"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

var now = time.Now

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPlans,
		checkSchedules,
		checkDatabase,
		checkPermissions,
		checkListener,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("%s missing, using defaults", config.ConfigPath(cfg.HomeDir)),
			Detail:  "Run `plangraph init` to write a starter config",
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  "fingerprint=" + cfg.Fingerprint(),
	}
}

// checkPlans normalizes a copy of every configured plan and reports
// structural errors and dangling dependencies.
func checkPlans(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Plans", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Plans) == 0 {
		return CheckResult{Name: "Plans", Status: "PASS", Message: "No plans configured"}
	}
	plans, err := coordinator.LoadPlansFromConfig(cfg.Plans)
	if err != nil {
		return CheckResult{Name: "Plans", Status: "FAIL", Message: err.Error()}
	}

	var warnings []string
	opts := cfg.EngineOptions()
	opts.Observer = plan.ObserverFunc(func(ev plan.Event) {
		if ev.Kind == plan.EventDanglingDependency && ev.Err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", ev.PlanID, ev.Err))
		}
	})
	engine := plan.NewEngine(opts)

	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)
	var layers []string
	for _, name := range names {
		l, err := engine.Normalize(plans[name].Clone())
		if err != nil {
			return CheckResult{Name: "Plans", Status: "FAIL", Message: fmt.Sprintf("plan %s: %v", name, err)}
		}
		layers = append(layers, fmt.Sprintf("%s=%d layers", name, len(l.Layers)))
	}

	if len(warnings) > 0 {
		return CheckResult{
			Name:    "Plans",
			Status:  "WARN",
			Message: fmt.Sprintf("%d plans, %d dangling dependencies", len(plans), len(warnings)),
			Detail:  strings.Join(warnings, "; "),
		}
	}
	return CheckResult{
		Name:    "Plans",
		Status:  "PASS",
		Message: fmt.Sprintf("%d plans normalize cleanly", len(plans)),
		Detail:  strings.Join(layers, ", "),
	}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	var next []string
	for _, p := range cfg.Plans {
		if p.Schedule == "" {
			continue
		}
		at, err := cron.NextRunTime(p.Schedule, now())
		if err != nil {
			return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("plan %s: %v", p.Name, err)}
		}
		next = append(next, fmt.Sprintf("%s next at %s", p.Name, at.UTC().Format(time.RFC3339)))
	}
	if len(next) == 0 {
		return CheckResult{Name: "Schedules", Status: "PASS", Message: "No scheduled plans"}
	}
	return CheckResult{
		Name:    "Schedules",
		Status:  "PASS",
		Message: fmt.Sprintf("%d scheduled plans", len(next)),
		Detail:  strings.Join(next, "; "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	recs, err := store.ListExecutions(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := "no executions yet"
	if len(recs) > 0 {
		detail = fmt.Sprintf("latest execution %s (%s)", recs[0].ID, recs[0].Status)
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: detail}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkListener reports whether bind_addr is free. A busy port usually
// means `plangraph serve` is already running.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is `plangraph serve` already running? try `plangraph status`)", err),
		}
	}
	_ = ln.Close()
	auth := "auth enabled"
	if cfg.AuthToken == "" {
		auth = "auth disabled (loopback only)"
	}
	return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr), Detail: auth}
}
