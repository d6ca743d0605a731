package bus

import (
	"errors"

	"github.com/basket/plangraph/internal/plan"
)

// Plan topics. Every topic shares the "plan." prefix so one subscription
// sees a whole execution.
const (
	TopicPlanPrefix = "plan."

	// Engine events, see PlanObserver.
	TopicPlanStepInserted       = "plan." + string(plan.EventStepInserted)
	TopicPlanStepsRenumbered    = "plan." + string(plan.EventStepsRenumbered)
	TopicPlanLayerComputed      = "plan." + string(plan.EventLayerComputed)
	TopicPlanStepReset          = "plan." + string(plan.EventStepReset)
	TopicPlanDependencyDangling = "plan." + string(plan.EventDanglingDependency)

	// Executor events.
	TopicPlanExecutionStarted  = "plan.execution.started"
	TopicPlanExecutionFinished = "plan.execution.finished"
	TopicPlanStepStarted       = "plan.step.started"
	TopicPlanStepCompleted     = "plan.step.completed"
	TopicPlanStepFailed        = "plan.step.failed"
	TopicPlanStepSkipped       = "plan.step.skipped"
	TopicPlanStepRetrying      = "plan.step.retrying"

	// Store events.
	TopicPlanExecutionSaved = "plan.execution.saved"
)

// PlanStepEvent is published when a step starts, finishes, is retried or
// is skipped.
type PlanStepEvent struct {
	ExecutionID string `json:"execution_id"`
	PlanID      string `json:"plan_id,omitempty"`
	StepID      string `json:"step_id"`
	Tool        string `json:"tool,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// PlanExecutionEvent is published when an execution starts or finishes.
type PlanExecutionEvent struct {
	ExecutionID string         `json:"execution_id"`
	PlanID      string         `json:"plan_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// PlanEngineEvent carries a plan.Event in a JSON-friendly shape.
type PlanEngineEvent struct {
	PlanID  string            `json:"plan_id,omitempty"`
	StepID  string            `json:"step_id,omitempty"`
	Depth   int               `json:"depth"`
	StepIDs []string          `json:"step_ids,omitempty"`
	Remap   map[string]string `json:"remap,omitempty"`
	Warning string            `json:"warning,omitempty"`
	// DependencyID is set for dangling dependency warnings.
	DependencyID string `json:"dependency_id,omitempty"`
}

// PlanObserver publishes engine events on b under "plan.<kind>".
func PlanObserver(b *Bus) plan.Observer {
	return plan.ObserverFunc(func(ev plan.Event) {
		payload := PlanEngineEvent{
			PlanID:  ev.PlanID,
			StepID:  ev.StepID,
			Depth:   ev.Depth,
			StepIDs: ev.StepIDs,
			Remap:   ev.Remap,
		}
		if ev.Err != nil {
			payload.Warning = ev.Err.Error()
			var dd *plan.DanglingDependencyError
			if errors.As(ev.Err, &dd) {
				payload.DependencyID = dd.DependencyID
			}
		}
		b.Publish(TopicPlanPrefix+string(ev.Kind), payload)
	})
}
