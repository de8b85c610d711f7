package resilience

import (
	"encoding/json"
	"time"
)

// DecisionKind is the closed set of retry strategy outcomes.
type DecisionKind int

const (
	// GiveUp propagates the error to the caller.
	GiveUp DecisionKind = iota
	// Retry re-invokes the operation after Delay, optionally with
	// adjusted parameters.
	Retry
	// Fallback substitutes the strategy's fallback operation.
	Fallback
)

// Decision is one retry strategy verdict.
type Decision struct {
	Kind DecisionKind
	// Delay to wait before the retry. Only meaningful for Kind == Retry.
	Delay time.Duration
	// Params, when non-nil, replaces the operation's parameters on retry.
	Params json.RawMessage
}

// Strategy decides what to do after a failed attempt. attempt is 1-based:
// the first failure is attempt 1.
type Strategy func(err error, attempt int) Decision

// DefaultStrategy retries up to maxRetries times with exponential backoff
// starting at baseDelay, but only for the retryable error classes
// (timeout, rate limit, transient). Everything else gives up immediately.
func DefaultStrategy(maxRetries int, baseDelay time.Duration) Strategy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return func(err error, attempt int) Decision {
		if !Retryable(err) {
			return Decision{Kind: GiveUp}
		}
		if attempt > maxRetries {
			return Decision{Kind: GiveUp}
		}
		// Exponential backoff: base, 2x, 4x, ...
		delay := baseDelay << uint(attempt-1)
		return Decision{Kind: Retry, Delay: delay}
	}
}

// NoRetry gives up on the first failure. Useful for operations whose side
// effects are not idempotent.
func NoRetry() Strategy {
	return func(error, int) Decision {
		return Decision{Kind: GiveUp}
	}
}
