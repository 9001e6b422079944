package memory

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/AlexKimmel/shopthrottle/internal/bucket"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
)

// Limiter keeps one leaky bucket per key in process memory.
type Limiter struct {
	clock   clockwork.Clock
	buckets sync.Map // key -> *bucket.State
}

func New(clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{clock: clock}
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) state(key string, p ratelimit.Policy) *bucket.State {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket.State)
	}
	v, _ := l.buckets.LoadOrStore(key, bucket.New(p.Capacity, p.LeakRate, l.clock))
	return v.(*bucket.State)
}

func (l *Limiter) Allow(_ context.Context, key string, cost float64, p ratelimit.Policy) (ratelimit.Decision, error) {
	if p.Capacity <= 0 {
		return ratelimit.Decision{Allowed: true}, nil
	}

	b := l.state(key, p)
	allowed := b.Reserve(cost)
	snap := b.Snapshot()
	d := ratelimit.Decision{
		Allowed: allowed,
		Used:    snap.Fill,
		Limit:   snap.Capacity,
	}
	if !allowed {
		d.RetryAfter, _ = b.TimeUntil(cost)
	}
	return d, nil
}

func (l *Limiter) Refund(_ context.Context, key string, units float64, p ratelimit.Policy) (ratelimit.Decision, error) {
	if p.Capacity <= 0 {
		return ratelimit.Decision{Allowed: true}, nil
	}

	b := l.state(key, p)
	b.Release(units)
	snap := b.Snapshot()
	return ratelimit.Decision{Allowed: true, Used: snap.Fill, Limit: snap.Capacity}, nil
}
