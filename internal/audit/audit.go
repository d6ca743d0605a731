// Package audit appends operator actions that change stored executions
// (retries, purges) to logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/plangraph/internal/shared"
)

// Outcomes.
const (
	Accepted = "accepted"
	Rejected = "rejected"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	Outcome     string `json:"outcome"`
	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Subject     string `json:"subject,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}

// Event describes one audited action.
type Event struct {
	Action      string
	Outcome     string
	ExecutionID string
	StepID      string
	Detail      string
	// Subject names who asked: "cli", "cron" or the remote address.
	Subject string
	TraceID string
}

var (
	mu            sync.Mutex
	file          *os.File
	rejectedCount atomic.Int64
	now           = time.Now
)

// Init opens homeDir/logs/audit.jsonl for appending. Calling it again while
// open is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectedCount returns the number of rejected actions since startup.
func RejectedCount() int64 {
	return rejectedCount.Load()
}

// Record appends ev. Without Init it only updates the counters.
func Record(ev Event) {
	if ev.Outcome == Rejected {
		rejectedCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:   now().UTC().Format(time.RFC3339Nano),
		Action:      ev.Action,
		Outcome:     ev.Outcome,
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		Detail:      shared.Redact(ev.Detail),
		Subject:     shared.Redact(ev.Subject),
		TraceID:     ev.TraceID,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
