package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every metric instrument the runtime emits: one set of
// counters/histograms per ambient concern.
type Metrics struct {
	TickDuration       metric.Float64Histogram
	PhaseTransitions   metric.Int64Counter
	TaskRetries        metric.Int64Counter
	TaskFailures       metric.Int64Counter
	InferenceDuration  metric.Float64Histogram
	InferenceTokens    metric.Int64Counter
	CompressionRuns    metric.Int64Counter
	CompressionSavings metric.Int64Counter
	InboxBacklog       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("colonyrt.orchestrator.tick.duration",
		metric.WithDescription("Orchestrator Tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseTransitions, err = meter.Int64Counter("colonyrt.orchestrator.phase.transitions",
		metric.WithDescription("Orchestrator phase transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("colonyrt.task.retries",
		metric.WithDescription("Task retries after a recoverable failure"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("colonyrt.task.failures",
		metric.WithDescription("Permanent task failures"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceDuration, err = meter.Float64Histogram("colonyrt.inference.duration",
		metric.WithDescription("Inference provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceTokens, err = meter.Int64Counter("colonyrt.inference.tokens",
		metric.WithDescription("Total tokens consumed by inference calls"),
	)
	if err != nil {
		return nil, err
	}

	m.CompressionRuns, err = meter.Int64Counter("colonyrt.compression.runs",
		metric.WithDescription("Compression engine stage invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.CompressionSavings, err = meter.Int64Counter("colonyrt.compression.bytes_saved",
		metric.WithDescription("Bytes removed from the event stream by compression"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxBacklog, err = meter.Int64UpDownCounter("colonyrt.messaging.inbox.backlog",
		metric.WithDescription("Messages awaiting a claim in the inbox"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
