package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/plangraph/internal/config"
)

func TestWatcher_DetectsPlanFileChange(t *testing.T) {
	homeDir := t.TempDir()
	planPath := filepath.Join(homeDir, "digest.yaml")
	if err := os.WriteFile(planPath, []byte("steps: []\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	w := config.NewWatcher(homeDir, nil, planPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Keep rewriting until the watcher is ready and reports the change.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	_ = os.WriteFile(planPath, []byte("steps:\n  - tool: search\n"), 0o644)
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "digest.yaml" {
				t.Fatalf("expected digest.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(planPath, []byte("steps:\n  - tool: search\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for plan change event")
		}
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_SeesConfigCreatedAfterStart(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	cfgPath := config.ConfigPath(homeDir)
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("unexpected event path %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for config.yaml creation event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = os.WriteFile(filepath.Join(homeDir, "plangraph.db-wal"), []byte{byte(i)}, 0o644)
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_ReportsDuringSteadyWrites(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Writes every 20ms never leave a quiet gap, yet a batch must still be
	// reported while they continue.
	stop := time.After(2 * time.Second)
	writeTick := time.NewTicker(20 * time.Millisecond)
	defer writeTick.Stop()
	for {
		select {
		case ev := <-w.Events():
			if ev.Path != mustAbs(t, cfgPath) {
				t.Fatalf("event path = %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-stop:
			t.Fatal("no event delivered while writes continued")
		}
	}
}

func mustAbs(t *testing.T, path string) string {
	t.Helper()
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs %s: %v", path, err)
	}
	return abs
}
