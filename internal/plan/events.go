package plan

// EventKind names a structured engine event.
type EventKind string

const (
	EventStepInserted       EventKind = "step.inserted"
	EventStepsRenumbered    EventKind = "steps.renumbered"
	EventLayerComputed      EventKind = "layer.computed"
	EventStepReset          EventKind = "step.reset"
	EventDanglingDependency EventKind = "dependency.dangling"
)

// Event is emitted by the engine as it mutates or analyses a plan. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	PlanID string
	// StepID is the inserted, reset or dangling-referencing step.
	StepID string
	// Depth is the layer depth for EventLayerComputed.
	Depth int
	// StepIDs lists the layer members, or the consumer for an insertion.
	StepIDs []string
	// Remap is the old-to-new id table for EventStepsRenumbered.
	Remap map[string]string
	Err   error
}

// Observer receives engine events. Implementations must not mutate the plan.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans one event out to several observers in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}
