package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreakerSet(5, time.Minute)

	for i := 0; i < 4; i++ {
		if err := b.Allow("opA"); err != nil {
			t.Fatalf("call %d rejected early: %v", i, err)
		}
		b.RecordFailure("opA")
	}
	state, failures := b.State("opA")
	if state != StateClosed || failures != 4 {
		t.Fatalf("state = %s/%d, want closed/4", state, failures)
	}

	// 5th consecutive failure trips the circuit.
	if err := b.Allow("opA"); err != nil {
		t.Fatalf("5th call rejected early: %v", err)
	}
	b.RecordFailure("opA")

	state, _ = b.State("opA")
	if state != StateOpen {
		t.Fatalf("state = %s, want open", state)
	}

	// 6th call is rejected without execution.
	err := b.Allow("opA")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b := NewBreakerSet(2, 20*time.Millisecond)

	b.RecordFailure("opA")
	b.RecordFailure("opA")
	if err := b.Allow("opA"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(30 * time.Millisecond)

	// After cooldown exactly one trial call is admitted.
	if err := b.Allow("opA"); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	state, _ := b.State("opA")
	if state != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", state)
	}
	if err := b.Allow("opA"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second concurrent trial should be rejected, got %v", err)
	}

	// Trial success closes the circuit.
	b.RecordSuccess("opA")
	state, failures := b.State("opA")
	if state != StateClosed || failures != 0 {
		t.Fatalf("state = %s/%d, want closed/0", state, failures)
	}
	if err := b.Allow("opA"); err != nil {
		t.Fatalf("closed circuit rejected call: %v", err)
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := NewBreakerSet(2, 20*time.Millisecond)

	b.RecordFailure("opA")
	b.RecordFailure("opA")
	time.Sleep(30 * time.Millisecond)

	if err := b.Allow("opA"); err != nil {
		t.Fatalf("trial rejected: %v", err)
	}
	b.RecordFailure("opA")

	state, _ := b.State("opA")
	if state != StateOpen {
		t.Fatalf("state = %s, want open after failed trial", state)
	}
	if err := b.Allow("opA"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreakerSet(3, time.Minute)

	b.RecordFailure("opA")
	b.RecordFailure("opA")
	b.RecordSuccess("opA")
	b.RecordFailure("opA")
	b.RecordFailure("opA")

	state, failures := b.State("opA")
	if state != StateClosed {
		t.Fatalf("state = %s, want closed (count reset by success)", state)
	}
	if failures != 2 {
		t.Fatalf("failures = %d, want 2", failures)
	}
}

func TestBreaker_CircuitsAreIndependent(t *testing.T) {
	b := NewBreakerSet(1, time.Minute)
	b.RecordFailure("opA")

	if err := b.Allow("opA"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("opA should be open, got %v", err)
	}
	if err := b.Allow("opB"); err != nil {
		t.Fatalf("opB should be unaffected: %v", err)
	}
}

func TestBreaker_NotifiesTransitions(t *testing.T) {
	b := NewBreakerSet(1, 10*time.Millisecond)
	var states []BreakerState
	b.OnTransition = func(_ string, state BreakerState, _ int) {
		states = append(states, state)
	}

	b.RecordFailure("opA") // closed -> open
	time.Sleep(20 * time.Millisecond)
	_ = b.Allow("opA")     // open -> half-open
	b.RecordSuccess("opA") // half-open -> closed

	want := []BreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestBreaker_RepeatedFailuresNotifyOpenOnce(t *testing.T) {
	b := NewBreakerSet(2, time.Minute)
	opens := 0
	b.OnTransition = func(_ string, state BreakerState, _ int) {
		if state == StateOpen {
			opens++
		}
	}

	b.RecordFailure("opA")
	b.RecordFailure("opA") // trips
	b.RecordFailure("opA") // already open, no re-notification
	b.RecordFailure("opA")

	state, failures := b.State("opA")
	if state != StateOpen || failures != 4 {
		t.Fatalf("state = %s/%d, want open/4", state, failures)
	}
	if opens != 1 {
		t.Fatalf("open notifications = %d, want 1", opens)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Class
	}{
		{"request timed out after 30s", ClassTimeout},
		{"context deadline exceeded", ClassTimeout},
		{"429 too many requests", ClassRateLimit},
		{"chat call rate limited: slow down", ClassRateLimit},
		{"502 bad gateway", ClassTransient},
		{"connection refused", ClassTransient},
		{"401 unauthorized", ClassAuth},
		{"invalid params: missing path", ClassInvalidInput},
		{"something odd happened", ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}
