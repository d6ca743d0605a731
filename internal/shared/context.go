package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type executionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithExecutionID attaches the plan execution id to the context.
func WithExecutionID(ctx context.Context, execID string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, execID)
}

// ExecutionID extracts the plan execution id. Returns "" if absent.
func ExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewExecutionID generates an id for one run of a plan.
func NewExecutionID() string {
	return uuid.NewString()
}
