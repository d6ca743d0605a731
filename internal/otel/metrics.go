package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the executor's instruments.
type Metrics struct {
	StepDuration     metric.Float64Histogram
	StepErrors       metric.Int64Counter
	StepsReset       metric.Int64Counter
	LayerDuration    metric.Float64Histogram
	ActiveExecutions metric.Int64UpDownCounter
}

// NewMetrics creates the instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StepDuration, err = meter.Float64Histogram("plangraph.step.duration",
		metric.WithDescription("Step runner call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepErrors, err = meter.Int64Counter("plangraph.step.errors",
		metric.WithDescription("Steps that ended failed"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsReset, err = meter.Int64Counter("plangraph.steps.reset",
		metric.WithDescription("Steps reset to pending by retry"),
	)
	if err != nil {
		return nil, err
	}

	m.LayerDuration, err = meter.Float64Histogram("plangraph.layer.duration",
		metric.WithDescription("Wall time of one layer in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("plangraph.execution.active",
		metric.WithDescription("Executions currently running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
