package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	captureOutput(t)
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")
	out, _ := captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"healthy":true`) {
		t.Fatalf("stdout = %q", out)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")
	out, _ := captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.HasSuffix(out.String(), "}\n") {
		t.Fatalf("body should be printed with a trailing newline: %q", out)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18790", "")
	captureOutput(t)

	if code := runStatusCommand(ctx, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790/healthz"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz"},
		{":9000", "http://127.0.0.1:9000/healthz"},
		{"[::1]:9000", "http://[::1]:9000/healthz"},
		{"http://plangraph.local:8080/", "http://plangraph.local:8080/healthz"},
		{"", "http://127.0.0.1:18790/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.addr); got != tt.want {
			t.Errorf("healthURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
