package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/plan"
)

// Execution statuses stored in plan_executions.status.
const (
	ExecutionRunning   = "running"
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
	ExecutionCanceled  = "canceled"
)

// ExecutionRecord is a row of plan_executions with per-status step counts.
type ExecutionRecord struct {
	ID         string         `json:"id"`
	PlanID     string         `json:"plan_id"`
	Title      string         `json:"title,omitempty"`
	Status     string         `json:"status"`
	Counts     map[string]int `json:"counts"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// CreateExecution inserts a running execution and the plan's steps.
func (s *Store) CreateExecution(ctx context.Context, execID string, p *plan.Plan) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_executions (id, plan_id, title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, execID, p.ID, p.Title, ExecutionRunning, now, now); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if err := replaceStepsTx(ctx, tx, execID, p.Steps); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SaveSnapshot replaces the stored steps of an execution with p's steps.
// Rows for step ids no longer in the plan are removed.
func (s *Store) SaveSnapshot(ctx context.Context, execID string, p *plan.Plan) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE plan_executions SET plan_id = ?, title = ?, updated_at = ? WHERE id = ?;
		`, p.ID, p.Title, time.Now().UTC(), execID)
		if err != nil {
			return fmt.Errorf("touch execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("save snapshot %s: %w", execID, ErrNotFound)
		}
		if err := replaceStepsTx(ctx, tx, execID, p.Steps); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func replaceStepsTx(ctx context.Context, tx *sql.Tx, execID string, steps []*plan.Step) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_steps WHERE execution_id = ?;`, execID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i, st := range steps {
		row, err := encodeStep(st)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_steps (execution_id, step_id, position, tool, input_json, dependencies_json, reason,
				status, result_json, error, tool_calls_json, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, execID, st.ID, i, st.Tool, row.input, row.deps, st.Reason,
			string(st.Status), row.result, st.Error, row.toolCalls, nullTime(st.StartedAt), nullTime(st.FinishedAt)); err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return nil
}

// RecordStep updates the stored state of one step. The step must already
// be part of the execution's snapshot.
func (s *Store) RecordStep(ctx context.Context, execID string, st *plan.Step) error {
	row, err := encodeStep(st)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE plan_steps SET status = ?, result_json = ?, error = ?, tool_calls_json = ?,
				input_json = ?, started_at = ?, finished_at = ?
			WHERE execution_id = ? AND step_id = ?;
		`, string(st.Status), row.result, st.Error, row.toolCalls, row.input,
			nullTime(st.StartedAt), nullTime(st.FinishedAt), execID, st.ID)
		if err != nil {
			return fmt.Errorf("record step %s: %w", st.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record step %s/%s: %w", execID, st.ID, ErrNotFound)
		}
		return nil
	})
}

// CompleteExecution sets the final status of an execution. Setting
// ExecutionRunning reopens it for a resumed run.
func (s *Store) CompleteExecution(ctx context.Context, execID, status string) error {
	now := time.Now().UTC()
	var finished any = now
	if status == ExecutionRunning {
		finished = nil
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE plan_executions SET status = ?, updated_at = ?, finished_at = ? WHERE id = ?;
		`, status, now, finished, execID)
		if err != nil {
			return fmt.Errorf("complete execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("complete execution %s: %w", execID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		counts, _ := s.stepCounts(ctx, execID)
		s.bus.Publish(bus.TopicPlanExecutionSaved, bus.PlanExecutionEvent{
			ExecutionID: execID,
			Status:      status,
			Counts:      counts,
		})
	}
	return nil
}

// GetExecution returns one execution record.
func (s *Store) GetExecution(ctx context.Context, execID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, title, status, created_at, updated_at, finished_at
		FROM plan_executions WHERE id = ?;
	`, execID)
	rec, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", execID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if rec.Counts, err = s.stepCounts(ctx, execID); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListExecutions returns the most recent executions first. limit <= 0
// means 50.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, title, status, created_at, updated_at, finished_at
		FROM plan_executions ORDER BY created_at DESC, id ASC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Counts are read after the cursor is closed; the pool has one connection.
	for i := range out {
		if out[i].Counts, err = s.stepCounts(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadPlan rebuilds the stored plan of an execution in step order.
func (s *Store) LoadPlan(ctx context.Context, execID string) (*plan.Plan, error) {
	rec, err := s.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, tool, input_json, dependencies_json, reason, status, result_json, error,
			tool_calls_json, started_at, finished_at
		FROM plan_steps WHERE execution_id = ? ORDER BY position ASC;
	`, execID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	p := &plan.Plan{ID: rec.PlanID, Title: rec.Title}
	for rows.Next() {
		var (
			st                             plan.Step
			status                         string
			input, deps, result, toolCalls string
			startedAt, finishedAt          sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.Tool, &input, &deps, &st.Reason, &status, &result, &st.Error,
			&toolCalls, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Status = plan.Status(status)
		if err := decodeJSON(input, &st.Input); err != nil {
			return nil, fmt.Errorf("step %s input: %w", st.ID, err)
		}
		if err := decodeJSON(deps, &st.Dependencies); err != nil {
			return nil, fmt.Errorf("step %s dependencies: %w", st.ID, err)
		}
		if err := decodeJSON(result, &st.Result); err != nil {
			return nil, fmt.Errorf("step %s result: %w", st.ID, err)
		}
		if err := decodeJSON(toolCalls, &st.ToolCalls); err != nil {
			return nil, fmt.Errorf("step %s tool calls: %w", st.ID, err)
		}
		if startedAt.Valid {
			st.StartedAt = startedAt.Time
		}
		if finishedAt.Valid {
			st.FinishedAt = finishedAt.Time
		}
		p.Steps = append(p.Steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// PurgeExecutions deletes finished executions older than the given number
// of days, with their steps. Running executions are kept.
func (s *Store) PurgeExecutions(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	var purged int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM plan_steps WHERE execution_id IN (
				SELECT id FROM plan_executions WHERE status != ? AND created_at < ?
			);
		`, ExecutionRunning, cutoff); err != nil {
			return fmt.Errorf("purge plan_steps: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM plan_executions WHERE status != ? AND created_at < ?;
		`, ExecutionRunning, cutoff)
		if err != nil {
			return fmt.Errorf("purge plan_executions: %w", err)
		}
		purged, _ = res.RowsAffected()
		return tx.Commit()
	})
	return purged, err
}

func (s *Store) stepCounts(ctx context.Context, execID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM plan_steps WHERE execution_id = ? GROUP BY status;
	`, execID)
	if err != nil {
		return nil, fmt.Errorf("count steps: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan step count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanExecution(scanFn func(dest ...any) error) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var finished sql.NullTime
	if err := scanFn(&rec.ID, &rec.PlanID, &rec.Title, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

type encodedStep struct {
	input, deps, result, toolCalls string
}

func encodeStep(st *plan.Step) (encodedStep, error) {
	var row encodedStep
	var err error
	if row.input, err = encodeJSON(st.Input, len(st.Input) == 0); err != nil {
		return row, fmt.Errorf("encode step %s input: %w", st.ID, err)
	}
	if row.deps, err = encodeJSON(st.Dependencies, len(st.Dependencies) == 0); err != nil {
		return row, fmt.Errorf("encode step %s dependencies: %w", st.ID, err)
	}
	if row.result, err = encodeJSON(st.Result, st.Result == nil); err != nil {
		return row, fmt.Errorf("encode step %s result: %w", st.ID, err)
	}
	if row.toolCalls, err = encodeJSON(st.ToolCalls, len(st.ToolCalls) == 0); err != nil {
		return row, fmt.Errorf("encode step %s tool calls: %w", st.ID, err)
	}
	return row, nil
}

func encodeJSON(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
