package metrics

import (
	"context"

	"github.com/basket/foreman/internal/bus"
	otelx "github.com/basket/foreman/internal/otel"
)

// Collector subscribes to the event bus and feeds both the in-memory
// aggregator and the OTel instruments. It is the only component that
// translates bus payloads into metric names.
type Collector struct {
	bus  *bus.Bus
	agg  *Aggregator
	inst *otelx.Metrics
}

// NewCollector builds a collector. inst may be nil (aggregator only).
func NewCollector(b *bus.Bus, agg *Aggregator, inst *otelx.Metrics) *Collector {
	return &Collector{bus: b, agg: agg, inst: inst}
}

// Run consumes bus events until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	sub := c.bus.Subscribe("")
	defer c.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			c.record(ctx, ev)
		}
	}
}

func (c *Collector) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicJobClaimed:
		c.agg.Incr("jobs.claimed")
		if c.inst != nil {
			c.inst.JobsClaimed.Add(ctx, 1)
			c.inst.ActiveJobs.Add(ctx, 1)
		}

	case bus.TopicJobReclaimed:
		c.agg.Incr("jobs.reclaimed")
		if c.inst != nil {
			c.inst.JobsReclaimed.Add(ctx, 1)
		}

	case bus.TopicJobCompleted, bus.TopicJobFailed, bus.TopicJobCancelled:
		c.agg.Incr("jobs.finished")
		if c.inst != nil {
			c.inst.ActiveJobs.Add(ctx, -1)
		}

	case bus.TopicLedgerAppended:
		c.agg.Incr("ledger.appends")
		if c.inst != nil {
			c.inst.LedgerAppends.Add(ctx, 1)
		}

	case bus.TopicLoopStep:
		c.agg.Incr("loop.steps")
		if payload, ok := ev.Payload.(bus.LoopStepEvent); ok {
			c.agg.Observe("loop.tokens_used", float64(payload.TokensUsed))
		}
		if c.inst != nil {
			c.inst.LoopStepsTotal.Add(ctx, 1)
		}

	case bus.TopicLoopFinished:
		if payload, ok := ev.Payload.(bus.LoopFinishedEvent); ok {
			c.agg.Observe("job.duration_seconds", payload.Duration.Seconds())
			c.agg.Observe("job.tokens", float64(payload.Tokens))
			if c.inst != nil {
				c.inst.JobDuration.Record(ctx, payload.Duration.Seconds())
				c.inst.TokensUsed.Add(ctx, int64(payload.Tokens))
			}
		}

	case bus.TopicToolCalled:
		c.agg.Incr("tool.calls")
		if payload, ok := ev.Payload.(bus.ToolCalledEvent); ok {
			c.agg.Observe("tool.duration_seconds", payload.Duration.Seconds())
			if !payload.OK {
				c.agg.Incr("tool.errors")
				if c.inst != nil {
					c.inst.ToolCallErrors.Add(ctx, 1)
				}
			}
		}

	case bus.TopicBreakerOpened:
		c.agg.Incr("breaker.opens")
		if c.inst != nil {
			c.inst.BreakerOpens.Add(ctx, 1)
		}
	}
}
