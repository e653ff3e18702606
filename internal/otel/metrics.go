package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestration instruments.
type Metrics struct {
	ProcessDuration    metric.Float64Histogram
	StageDuration      metric.Float64Histogram
	GenerationDuration metric.Float64Histogram
	GenerationRetries  metric.Int64Counter
	StageFailures      metric.Int64Counter
	TokensEstimated    metric.Int64Counter
	PipelinesBlocked   metric.Int64Counter
	JobRuns            metric.Int64Counter
	JobRunsCoalesced   metric.Int64Counter
	BusForwardDrops    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ProcessDuration, err = meter.Float64Histogram("ontoti.process.duration",
		metric.WithDescription("End-to-end process_message duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("ontoti.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram("ontoti.generation.duration",
		metric.WithDescription("Generation call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationRetries, err = meter.Int64Counter("ontoti.generation.retries",
		metric.WithDescription("Stage generation retries after an empty result"),
	)
	if err != nil {
		return nil, err
	}

	m.StageFailures, err = meter.Int64Counter("ontoti.stage.failures",
		metric.WithDescription("Stages that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensEstimated, err = meter.Int64Counter("ontoti.tokens.estimated",
		metric.WithDescription("Estimated tokens across finished agents"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelinesBlocked, err = meter.Int64Counter("ontoti.pipeline.blocked",
		metric.WithDescription("Pipelines rejected by the planner"),
	)
	if err != nil {
		return nil, err
	}

	m.JobRuns, err = meter.Int64Counter("ontoti.job.runs",
		metric.WithDescription("Scheduled job executions by result"),
	)
	if err != nil {
		return nil, err
	}

	m.JobRunsCoalesced, err = meter.Int64Counter("ontoti.job.coalesced",
		metric.WithDescription("Job firings skipped because a run was in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.BusForwardDrops, err = meter.Int64Counter("ontoti.bus.forward_drops",
		metric.WithDescription("Bus messages not forwarded to the durable stream"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MustNoopMetrics returns instruments backed by a no-op meter.
func MustNoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
