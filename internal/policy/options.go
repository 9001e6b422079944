package policy

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/scheduler"
)

// BucketConfig seeds a bucket before the remote has reported on it. Zero
// fields are learned from the first response that carries them.
type BucketConfig struct {
	Capacity float64
	LeakRate float64
}

var (
	DefaultREST  = BucketConfig{Capacity: 40, LeakRate: 2}
	DefaultQuery = BucketConfig{Capacity: 1000, LeakRate: 50}
)

const DefaultMaxRetryTime = 2 * time.Minute

// RequestContextSupplier picks the priority of a call from its context.
type RequestContextSupplier func(ctx context.Context) Priority

type options struct {
	localTracking bool
	failFast      bool
	retryNonFull  bool
	maxRetryTime  time.Duration
	minPoll       time.Duration
	priority      RequestContextSupplier
	rest, query   BucketConfig
	clock         clockwork.Clock
	log           zerolog.Logger
	metrics       *obs.PolicyMetrics
}

type Option func(*options)

func defaultOptions() options {
	return options{
		localTracking: true,
		maxRetryTime:  DefaultMaxRetryTime,
		minPoll:       scheduler.DefaultMinPoll,
		priority:      PriorityFrom,
		rest:          DefaultREST,
		query:         DefaultQuery,
		clock:         clockwork.NewRealClock(),
		log:           zerolog.Nop(),
	}
}

// WithLocalBucketTracking turns client-side pacing on or off. When off, calls
// go straight to the remote and only throttled responses cause waits.
func WithLocalBucketTracking(on bool) Option {
	return func(o *options) { o.localTracking = on }
}

// WithFailFast makes a call that cannot be admitted immediately fail with a
// local_bucket_full rate limit error instead of waiting.
func WithFailFast(on bool) Option {
	return func(o *options) { o.failFast = on }
}

// WithRetryNonFullBucket also retries throttled responses whose bucket
// reported headroom. By default those surface to the caller.
func WithRetryNonFullBucket(on bool) Option {
	return func(o *options) { o.retryNonFull = on }
}

// WithMaxRetryTime bounds the total time spent backing off after throttled
// responses. Zero or negative keeps the default.
func WithMaxRetryTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxRetryTime = d
		}
	}
}

func WithMinPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.minPoll = d
		}
	}
}

func WithRequestContext(fn RequestContextSupplier) Option {
	return func(o *options) {
		if fn != nil {
			o.priority = fn
		}
	}
}

// WithBuckets overrides the seed configuration for both bucket kinds.
func WithBuckets(rest, query BucketConfig) Option {
	return func(o *options) {
		o.rest = rest
		o.query = query
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *obs.PolicyMetrics) Option {
	return func(o *options) { o.metrics = m }
}
