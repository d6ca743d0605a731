package doctor

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/basket/plangraph/internal/config"
)

func loadTestConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	home := t.TempDir()
	if yaml != "" {
		if err := writeFile(home+"/config.yaml", yaml); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return &cfg
}

func TestRun_FreshHome(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.BindAddr = "127.0.0.1:0"

	d := Run(context.Background(), cfg, "v-test")
	if d.System.Version != "v-test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	want := map[string]string{
		"Config":      "WARN",
		"Plans":       "PASS",
		"Schedules":   "PASS",
		"Database":    "PASS",
		"Permissions": "PASS",
		"Listener":    "PASS",
	}
	if len(d.Results) != len(want) {
		t.Fatalf("results = %+v", d.Results)
	}
	for _, r := range d.Results {
		if want[r.Name] != r.Status {
			t.Errorf("%s = %s (%s), want %s", r.Name, r.Status, r.Message, want[r.Name])
		}
	}
	if d.Failed() {
		t.Fatal("fresh home should not fail")
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "v-test")
	if !d.Failed() {
		t.Fatal("nil config should fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != "SKIP" {
			t.Errorf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckPlans_DanglingDependency(t *testing.T) {
	cfg := loadTestConfig(t, `plans:
  - name: digest
    steps:
      - tool: fetch
      - tool: summarize
        dependencies: [step1, step9]
`)
	r := checkPlans(context.Background(), cfg)
	if r.Status != "WARN" || !strings.Contains(r.Detail, "step9") {
		t.Fatalf("result = %+v", r)
	}
	// The configured plan itself is untouched.
	if got := cfg.Plans[0].Steps[1].Dependencies; len(got) != 2 {
		t.Fatalf("config deps mutated: %v", got)
	}
}

func TestCheckPlans_Cycle(t *testing.T) {
	cfg := &config.Config{Plans: []config.PlanConfig{{
		Name: "loop",
		Steps: []config.PlanStepConfig{
			{ID: "step1", Tool: "a", Dependencies: []string{"step2"}},
			{ID: "step2", Tool: "b", Dependencies: []string{"step1"}},
		},
	}}}
	r := checkPlans(context.Background(), cfg)
	if r.Status != "FAIL" || !strings.Contains(r.Message, "loop") {
		t.Fatalf("result = %+v", r)
	}
}

func TestCheckSchedules(t *testing.T) {
	now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC) }
	t.Cleanup(func() { now = time.Now })

	cfg := &config.Config{Plans: []config.PlanConfig{
		{Name: "morning", Schedule: "0 9 * * *"},
		{Name: "adhoc"},
	}}
	r := checkSchedules(context.Background(), cfg)
	if r.Status != "PASS" || r.Detail != "morning next at 2026-03-01T09:00:00Z" {
		t.Fatalf("result = %+v", r)
	}
}

func TestCheckListener_Busy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	r := checkListener(context.Background(), &config.Config{BindAddr: ln.Addr().String()})
	if r.Status != "WARN" {
		t.Fatalf("result = %+v", r)
	}
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}
