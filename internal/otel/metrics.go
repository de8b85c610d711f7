package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all foreman metrics instruments.
type Metrics struct {
	JobsClaimed    metric.Int64Counter
	JobsReclaimed  metric.Int64Counter
	JobDuration    metric.Float64Histogram
	LoopStepsTotal metric.Int64Counter
	TokensUsed     metric.Int64Counter
	ToolCallErrors metric.Int64Counter
	BreakerOpens   metric.Int64Counter
	LedgerAppends  metric.Int64Counter
	ActiveJobs     metric.Int64UpDownCounter
	QueueDepth     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsClaimed, err = meter.Int64Counter("foreman.jobs.claimed",
		metric.WithDescription("Jobs claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsReclaimed, err = meter.Int64Counter("foreman.jobs.reclaimed",
		metric.WithDescription("Stale jobs returned to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("foreman.job.duration",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopStepsTotal, err = meter.Int64Counter("foreman.loop.steps",
		metric.WithDescription("Total execution loop steps"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("foreman.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("foreman.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerOpens, err = meter.Int64Counter("foreman.breaker.opens",
		metric.WithDescription("Circuit breaker open transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.LedgerAppends, err = meter.Int64Counter("foreman.ledger.appends",
		metric.WithDescription("Ledger entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("foreman.jobs.active",
		metric.WithDescription("Jobs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("foreman.jobs.queued",
		metric.WithDescription("Jobs waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
