package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrMaxRetries wraps the final error after the retry budget is spent.
var ErrMaxRetries = errors.New("max_retries_exceeded")

// Operation is any fallible call the wrapper can protect.
type Operation func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Wrapper combines the circuit breaker and a retry strategy around named
// operations. One wrapper is shared by all jobs in a process; circuits are
// keyed by operation name.
type Wrapper struct {
	breakers *BreakerSet
	strategy Strategy
	logger   *slog.Logger

	// fallbacks maps operation name to a substitute invoked when the
	// strategy returns Fallback.
	fallbacks map[string]Operation

	// OnRetry, when set, observes scheduled retries (for bus/metrics).
	OnRetry func(name string, attempt int, delay time.Duration, err error)
}

func NewWrapper(breakers *BreakerSet, strategy Strategy, logger *slog.Logger) *Wrapper {
	if breakers == nil {
		breakers = NewBreakerSet(0, 0)
	}
	if strategy == nil {
		strategy = DefaultStrategy(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		breakers:  breakers,
		strategy:  strategy,
		logger:    logger,
		fallbacks: make(map[string]Operation),
	}
}

// Breakers exposes the underlying breaker set (for status reporting).
func (w *Wrapper) Breakers() *BreakerSet {
	return w.breakers
}

// SetFallback registers a substitute operation used when the strategy
// decides Fallback for the named operation.
func (w *Wrapper) SetFallback(name string, op Operation) {
	w.fallbacks[name] = op
}

// Do runs the named operation under breaker and retry protection.
// Errors surface as: ErrCircuitOpen (rejected before execution),
// ErrMaxRetries wrapping the last error (retry budget spent), or the
// operation's own error (non-retryable, propagated on first failure).
func (w *Wrapper) Do(ctx context.Context, name string, params json.RawMessage, op Operation) (json.RawMessage, error) {
	attempt := 0
	retried := false
	for {
		if err := w.breakers.Allow(name); err != nil {
			return nil, err
		}

		result, err := op(ctx, params)
		if err == nil {
			w.breakers.RecordSuccess(name)
			return result, nil
		}
		w.breakers.RecordFailure(name)
		attempt++

		decision := w.strategy(err, attempt)
		switch decision.Kind {
		case Retry:
			retried = true
			if decision.Params != nil {
				params = decision.Params
			}
			if w.OnRetry != nil {
				w.OnRetry(name, attempt, decision.Delay, err)
			}
			w.logger.Warn("operation retry scheduled",
				"operation", name,
				"attempt", attempt,
				"delay", decision.Delay,
				"error_class", string(Classify(err)),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(decision.Delay):
			}

		case Fallback:
			fallback, ok := w.fallbacks[name]
			if !ok {
				return nil, fmt.Errorf("%w: no fallback for %s: %w", ErrMaxRetries, name, err)
			}
			w.logger.Warn("operation falling back", "operation", name, "error", err)
			return fallback(ctx, params)

		default: // GiveUp
			if retried || attempt > 1 {
				return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrMaxRetries, name, attempt, err)
			}
			return nil, err
		}
	}
}
