package bus

import (
	"strings"
	"testing"

	"github.com/basket/plangraph/internal/plan"
)

func TestTopics_SharePlanPrefix(t *testing.T) {
	topics := []string{
		TopicPlanStepInserted, TopicPlanStepsRenumbered, TopicPlanLayerComputed,
		TopicPlanStepReset, TopicPlanDependencyDangling, TopicPlanExecutionStarted,
		TopicPlanExecutionFinished, TopicPlanStepStarted, TopicPlanStepCompleted,
		TopicPlanStepFailed, TopicPlanStepSkipped, TopicPlanStepRetrying,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if !strings.HasPrefix(topic, TopicPlanPrefix) {
			t.Fatalf("topic %q lacks prefix %q", topic, TopicPlanPrefix)
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestPlanObserver_PublishesEngineEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPlanPrefix)
	defer b.Unsubscribe(sub)

	e := plan.NewEngine(plan.Options{Observer: PlanObserver(b)})
	p := &plan.Plan{ID: "p1", Steps: []*plan.Step{
		{ID: "step1", Tool: "search", Dependencies: []string{"step7"}},
	}}
	if _, err := e.Layers(p); err != nil {
		t.Fatalf("Layers: %v", err)
	}

	ev := recv(t, sub)
	if ev.Topic != TopicPlanDependencyDangling {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicPlanDependencyDangling)
	}
	payload, ok := ev.Payload.(PlanEngineEvent)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if payload.StepID != "step1" || payload.DependencyID != "step7" || payload.Warning == "" {
		t.Fatalf("payload = %+v", payload)
	}

	ev = recv(t, sub)
	if ev.Topic != TopicPlanLayerComputed {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicPlanLayerComputed)
	}
	if got := ev.Payload.(PlanEngineEvent).StepIDs; len(got) != 1 || got[0] != "step1" {
		t.Fatalf("layer step ids = %v", got)
	}
}
