// Package metrics accumulates in-memory count/sum/min/max statistics per
// named metric and hands periodic snapshots to a flush callback. Nothing
// here is persisted; the ledger remains the recomputable source.
package metrics

import (
	"context"
	"math"
	"sync"
	"time"
)

// Stat is one metric's aggregate over the current window.
type Stat struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Avg returns the window mean, or 0 for an empty window.
func (s Stat) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Aggregator accumulates observations until flushed.
type Aggregator struct {
	mu    sync.Mutex
	stats map[string]*Stat
}

func NewAggregator() *Aggregator {
	return &Aggregator{stats: make(map[string]*Stat)}
}

// Observe records one value for the named metric.
func (a *Aggregator) Observe(name string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stats[name]
	if !ok {
		s = &Stat{Min: math.Inf(1), Max: math.Inf(-1)}
		a.stats[name] = s
	}
	s.Count++
	s.Sum += value
	if value < s.Min {
		s.Min = value
	}
	if value > s.Max {
		s.Max = value
	}
}

// Incr records a count-style observation of 1.
func (a *Aggregator) Incr(name string) {
	a.Observe(name, 1)
}

// Snapshot copies the current window without clearing it.
func (a *Aggregator) Snapshot() map[string]Stat {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Stat, len(a.stats))
	for name, s := range a.stats {
		out[name] = *s
	}
	return out
}

// Drain returns the current window and resets internal state.
func (a *Aggregator) Drain() map[string]Stat {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Stat, len(a.stats))
	for name, s := range a.stats {
		out[name] = *s
	}
	a.stats = make(map[string]*Stat)
	return out
}

// Flush hands the window to cb every interval and clears it, until ctx is
// cancelled. A final drain fires on shutdown so the last window is not lost.
func (a *Aggregator) Flush(ctx context.Context, interval time.Duration, cb func(map[string]Stat)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if window := a.Drain(); len(window) > 0 {
				cb(window)
			}
			return
		case <-ticker.C:
			if window := a.Drain(); len(window) > 0 {
				cb(window)
			}
		}
	}
}
