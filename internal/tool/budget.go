package tool

import (
	"sync"
	"time"
)

// Budget is the remaining allowance a job may consume: steps, tokens, and
// wall-clock time. Only the execution engine decrements it; values clamp
// at zero (exhaustion is a terminal condition, never negative).
type Budget struct {
	mu              sync.Mutex
	stepsRemaining  int
	tokensRemaining int
	deadline        time.Time
}

// NewBudget builds a budget. maxDuration <= 0 means no wall-clock deadline.
func NewBudget(stepCap, tokenCap int, maxDuration time.Duration) *Budget {
	b := &Budget{
		stepsRemaining:  stepCap,
		tokensRemaining: tokenCap,
	}
	if maxDuration > 0 {
		b.deadline = time.Now().Add(maxDuration)
	}
	return b
}

// ConsumeStep decrements the step allowance by one, clamping at zero.
func (b *Budget) ConsumeStep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stepsRemaining > 0 {
		b.stepsRemaining--
	}
}

// ConsumeTokens decrements the token allowance, clamping at zero.
func (b *Budget) ConsumeTokens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return
	}
	b.tokensRemaining -= n
	if b.tokensRemaining < 0 {
		b.tokensRemaining = 0
	}
}

// StepsRemaining returns the current step allowance.
func (b *Budget) StepsRemaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stepsRemaining
}

// TokensRemaining returns the current token allowance.
func (b *Budget) TokensRemaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokensRemaining
}

// Deadline returns the wall-clock deadline and whether one is set.
func (b *Budget) Deadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline, !b.deadline.IsZero()
}

// DeadlineExceeded reports whether the wall-clock allowance is spent.
func (b *Budget) DeadlineExceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.deadline.IsZero() && time.Now().After(b.deadline)
}
