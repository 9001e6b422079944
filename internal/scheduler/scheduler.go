// Package scheduler paces calls against one bucket.
//
// Admit loops: try to reserve, otherwise sleep until the cost would have
// leaked free (never less than the poll interval), then try again. Background
// callers step aside while any foreground caller is waiting on the same
// bucket. That ordering is a hint; within a class the first caller to wake wins.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/AlexKimmel/shopthrottle/internal/apierr"
	"github.com/AlexKimmel/shopthrottle/internal/bucket"
)

type Priority int

const (
	Foreground Priority = iota
	Background

	numPriorities = 2
)

func (p Priority) String() string {
	switch p {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

const (
	DefaultMinPoll = 50 * time.Millisecond
	// used when the leak rate is not known yet
	DefaultIdlePoll = time.Second
)

type Scheduler struct {
	bucket   *bucket.State
	clock    clockwork.Clock
	minPoll  time.Duration
	idlePoll time.Duration

	waiting [numPriorities]atomic.Int64

	mu      sync.Mutex
	changed chan struct{}
}

func New(b *bucket.State, clock clockwork.Clock, minPoll time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if minPoll <= 0 {
		minPoll = DefaultMinPoll
	}
	idle := DefaultIdlePoll
	if idle < minPoll {
		idle = minPoll
	}
	return &Scheduler{
		bucket:   b,
		clock:    clock,
		minPoll:  minPoll,
		idlePoll: idle,
		changed:  make(chan struct{}),
	}
}

func (s *Scheduler) Bucket() *bucket.State { return s.bucket }

// Admit blocks until cost units are reserved and returns how long it waited.
// It fails with apierr.ErrCapacityExceeded when cost can never fit, and with
// an apierr.Cancelled error when ctx ends first.
func (s *Scheduler) Admit(ctx context.Context, cost float64, p Priority) (time.Duration, error) {
	if !s.bucket.Fits(cost) {
		return 0, apierr.ErrCapacityExceeded
	}
	if err := ctx.Err(); err != nil {
		return 0, apierr.Cancelled(err)
	}
	if s.TryAdmit(cost, p) {
		return 0, nil
	}

	start := s.clock.Now()
	s.enqueue(p)
	defer s.dequeue(p)

	for {
		// grab the channel before checking so a wake-up between the check
		// and the select is not lost
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		if !s.bucket.Fits(cost) {
			return s.clock.Since(start), apierr.ErrCapacityExceeded
		}
		if s.ahead(p) == 0 && s.bucket.Reserve(cost) {
			return s.clock.Since(start), nil
		}

		timer := s.clock.NewTimer(s.waitFor(cost))
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.clock.Since(start), apierr.Cancelled(ctx.Err())
		case <-changed:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

// TryAdmit reserves cost units only if that can happen right now.
func (s *Scheduler) TryAdmit(cost float64, p Priority) bool {
	return s.ahead(p) == 0 && s.bucket.Reserve(cost)
}

// Observe applies the remote's view of the bucket and wakes waiters.
func (s *Scheduler) Observe(fill, capacity, leakRate float64) {
	s.bucket.Observe(fill, capacity, leakRate)
	s.notify()
}

// Release refunds units and wakes waiters.
func (s *Scheduler) Release(cost float64) {
	s.bucket.Release(cost)
	s.notify()
}

func (s *Scheduler) Saturate() {
	s.bucket.Saturate()
}

// Pending returns the number of callers waiting at priority p.
func (s *Scheduler) Pending(p Priority) int {
	if p < 0 || p >= numPriorities {
		return 0
	}
	return int(s.waiting[p].Load())
}

// WaitFor is the delay before cost could be admitted, at least the poll interval.
func (s *Scheduler) WaitFor(cost float64) time.Duration {
	return s.waitFor(cost)
}

func (s *Scheduler) waitFor(cost float64) time.Duration {
	d, ok := s.bucket.TimeUntil(cost)
	if !ok {
		d = s.idlePoll
	}
	if d < s.minPoll {
		d = s.minPoll
	}
	return d
}

// ahead counts waiters with a strictly higher priority than p.
func (s *Scheduler) ahead(p Priority) int64 {
	var n int64
	for q := Priority(0); q < p && q < numPriorities; q++ {
		n += s.waiting[q].Load()
	}
	return n
}

func (s *Scheduler) enqueue(p Priority) {
	if p >= 0 && p < numPriorities {
		s.waiting[p].Inc()
	}
}

func (s *Scheduler) dequeue(p Priority) {
	if p >= 0 && p < numPriorities {
		s.waiting[p].Dec()
	}
	// lower priorities may be unblocked now
	s.notify()
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}
