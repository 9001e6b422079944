// Package bucket tracks the client-side view of a remote leaky bucket.
//
// A State is the only shared mutable value behind a policy. Every read or
// write first drains the bucket by the time elapsed since the last drain, so
// callers always act on the current fill.
package bucket

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	Capacity   float64   // max units, 0 when not yet known
	Fill       float64   // units currently consumed
	LeakRate   float64   // units restored per second
	ObservedAt time.Time // last authoritative update from the remote, zero if never
}

// Known reports whether the capacity has been configured or observed.
func (s Snapshot) Known() bool { return s.Capacity > 0 }

// Available returns the free units, or +Inf when the capacity is unknown.
func (s Snapshot) Available() float64 {
	if !s.Known() {
		return math.Inf(1)
	}
	return math.Max(0, s.Capacity-s.Fill)
}

// Full reports whether cost units would not fit right now.
func (s Snapshot) Full(cost float64) bool {
	return s.Known() && s.Fill+cost > s.Capacity
}

type State struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	capacity   float64
	fill       float64
	leakRate   float64
	lastLeak   time.Time
	observedAt time.Time
}

// New creates an empty bucket. A zero capacity or leak rate means "unknown"
// until the first Observe.
func New(capacity, leakRate float64, clock clockwork.Clock) *State {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &State{
		clock:    clock,
		capacity: math.Max(0, capacity),
		leakRate: math.Max(0, leakRate),
		lastLeak: clock.Now(),
	}
}

// leak must be called with mu held.
func (b *State) leak(now time.Time) {
	elapsed := now.Sub(b.lastLeak).Seconds()
	if elapsed <= 0 {
		return
	}
	b.fill = math.Max(0, b.fill-elapsed*b.leakRate)
	b.lastLeak = now
}

// Reserve claims cost units if they fit and reports whether it did. A bucket
// with unknown capacity admits everything and only counts.
func (b *State) Reserve(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak(b.clock.Now())
	if b.capacity > 0 && b.fill+cost > b.capacity {
		return false
	}
	b.fill += cost
	return true
}

// Release returns units that were reserved but never spent remotely.
func (b *State) Release(cost float64) {
	if cost <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak(b.clock.Now())
	b.fill = math.Max(0, b.fill-cost)
}

// Observe overwrites the local estimate with what the remote reported.
// Zero capacity or leak rate keep the current values.
func (b *State) Observe(fill, capacity, leakRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if capacity > 0 {
		b.capacity = capacity
	}
	if leakRate > 0 {
		b.leakRate = leakRate
	}
	b.fill = math.Max(0, fill)
	if b.capacity > 0 && b.fill > b.capacity {
		b.fill = b.capacity
	}
	b.lastLeak = now
	b.observedAt = now
}

// Saturate marks the bucket as full. Used when the remote throttles without
// telling us its state.
func (b *State) Saturate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak(b.clock.Now())
	if b.capacity > 0 {
		b.fill = b.capacity
	}
}

// Fits reports whether cost could ever be admitted.
func (b *State) Fits(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity <= 0 || cost <= b.capacity
}

// TimeUntil returns how long until cost units have leaked free. ok is false
// when the leak rate is unknown.
func (b *State) TimeUntil(cost float64) (d time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak(b.clock.Now())
	if b.capacity <= 0 {
		return 0, true
	}
	excess := b.fill + cost - b.capacity
	if excess <= 0 {
		return 0, true
	}
	if b.leakRate <= 0 {
		return 0, false
	}
	return time.Duration(excess / b.leakRate * float64(time.Second)), true
}

func (b *State) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak(b.clock.Now())
	return Snapshot{
		Capacity:   b.capacity,
		Fill:       b.fill,
		LeakRate:   b.leakRate,
		ObservedAt: b.observedAt,
	}
}
