package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected before execution
// because the operation's circuit is open. Callers should treat this as
// "try later", not as a bug.
var ErrCircuitOpen = errors.New("circuit_open")

// BreakerState is one circuit's position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

type circuit struct {
	failures      int
	lastFailureAt time.Time
	state         BreakerState
	// trialInFlight guards half-open: exactly one call probes the resource.
	trialInFlight bool
}

// BreakerSet tracks one circuit per operation name. Process-local and not
// persisted: losing it on restart just re-closes every circuit, which is
// safe because the breaker is a protective heuristic, not correctness.
type BreakerSet struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration

	// OnTransition, when set, observes state changes (for bus/metrics).
	OnTransition func(name string, state BreakerState, failures int)
}

// NewBreakerSet builds a breaker map. threshold <= 0 defaults to 5
// consecutive failures; cooldown <= 0 defaults to 5 minutes.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &BreakerSet{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *BreakerSet) get(name string) *circuit {
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[name] = c
	}
	return c
}

// Allow decides whether a call on the named operation may proceed. Open
// circuits reject until the cooldown elapses, then admit exactly one trial
// call (half-open); the trial's outcome decides whether to close or
// re-open.
func (b *BreakerSet) Allow(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(c.lastFailureAt) < b.cooldown {
			return fmt.Errorf("%w: %s cooling down", ErrCircuitOpen, name)
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		b.notify(name, StateHalfOpen, c.failures)
		return nil
	case StateHalfOpen:
		if c.trialInFlight {
			return fmt.Errorf("%w: %s trial call in flight", ErrCircuitOpen, name)
		}
		c.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the circuit after a successful call.
func (b *BreakerSet) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	wasOpen := c.state != StateClosed
	c.failures = 0
	c.state = StateClosed
	c.trialInFlight = false
	if wasOpen {
		b.notify(name, StateClosed, 0)
	}
}

// RecordFailure counts a failure and may flip the circuit open. A failed
// half-open trial re-opens immediately.
func (b *BreakerSet) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	c.failures++
	c.lastFailureAt = time.Now()
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		if c.state != StateOpen {
			c.state = StateOpen
			b.notify(name, StateOpen, c.failures)
		}
	}
	c.trialInFlight = false
}

// State returns the named circuit's current state and failure count.
func (b *BreakerSet) State(name string) (BreakerState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(name)
	return c.state, c.failures
}

func (b *BreakerSet) notify(name string, state BreakerState, failures int) {
	if b.OnTransition != nil {
		b.OnTransition(name, state, failures)
	}
}
