// Package ratelimit is the server side of the leaky bucket: the sandbox
// remote charges calls against it and reports the result back in headers
// and response extensions.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Policy is one bucket shape in call or cost units.
type Policy struct {
	Capacity float64
	LeakRate float64 // units restored per second
}

type Decision struct {
	Allowed bool
	Used    float64 // fill after this decision
	Limit   float64
	// RetryAfter is set on denial: the time until the cost would fit.
	RetryAfter time.Duration
}

func (d Decision) Available() float64 {
	return math.Max(0, d.Limit-d.Used)
}

type Limiter interface {
	// Allow charges cost to key if it fits.
	Allow(ctx context.Context, key string, cost float64, p Policy) (Decision, error)
	// Refund gives back units charged by Allow but not spent.
	Refund(ctx context.Context, key string, units float64, p Policy) (Decision, error)
	Close() error
}
