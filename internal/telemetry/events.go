package telemetry

import (
	"context"
	"log/slog"

	"github.com/basket/plangraph/internal/bus"
)

// LogPlanEvents logs every plan.* bus event until ctx is done. Dangling
// dependencies log at warn and failed steps at error; the rest are debug
// except execution boundaries.
func LogPlanEvents(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	sub := b.Subscribe(bus.TopicPlanPrefix)
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			logPlanEvent(ctx, logger, ev)
		}
	}
}

func logPlanEvent(ctx context.Context, logger *slog.Logger, ev bus.Event) {
	level := slog.LevelDebug
	attrs := []any{"topic", ev.Topic}

	switch p := ev.Payload.(type) {
	case bus.PlanStepEvent:
		attrs = append(attrs, "execution_id", p.ExecutionID, "step_id", p.StepID, "tool", p.Tool)
		if p.DurationMs > 0 {
			attrs = append(attrs, "duration_ms", p.DurationMs)
		}
		if p.Attempt > 0 {
			attrs = append(attrs, "attempt", p.Attempt)
		}
		if p.Error != "" {
			attrs = append(attrs, "error", p.Error)
		}
		switch ev.Topic {
		case bus.TopicPlanStepFailed:
			level = slog.LevelError
		case bus.TopicPlanStepSkipped, bus.TopicPlanStepRetrying:
			level = slog.LevelWarn
		}
	case bus.PlanExecutionEvent:
		level = slog.LevelInfo
		attrs = append(attrs, "execution_id", p.ExecutionID, "plan_id", p.PlanID, "status", p.Status)
		if p.Error != "" {
			attrs = append(attrs, "error", p.Error)
		}
	case bus.PlanEngineEvent:
		attrs = append(attrs, "plan_id", p.PlanID)
		if p.StepID != "" {
			attrs = append(attrs, "step_id", p.StepID)
		}
		switch ev.Topic {
		case bus.TopicPlanDependencyDangling:
			level = slog.LevelWarn
			attrs = append(attrs, "dependency_id", p.DependencyID)
		case bus.TopicPlanLayerComputed:
			attrs = append(attrs, "depth", p.Depth, "step_ids", p.StepIDs)
		case bus.TopicPlanStepsRenumbered:
			attrs = append(attrs, "remap", p.Remap)
		}
	}
	logger.Log(ctx, level, "plan event", attrs...)
}
