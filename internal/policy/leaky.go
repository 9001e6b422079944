package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/shopthrottle/internal/apierr"
	"github.com/AlexKimmel/shopthrottle/internal/bucket"
	"github.com/AlexKimmel/shopthrottle/internal/scheduler"
)

// LeakyBucket paces calls against a client-side copy of each remote bucket
// and retries calls the remote throttles, within a time budget.
//
// Buckets are keyed by call kind and Request.Key and created on first use.
// All callers sharing a LeakyBucket share those buckets.
type LeakyBucket struct {
	opts  options
	lanes sync.Map // laneKey -> *scheduler.Scheduler
}

var _ Policy = (*LeakyBucket)(nil)

type laneKey struct {
	kind Kind
	key  string
}

func NewLeakyBucket(opts ...Option) *LeakyBucket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &LeakyBucket{opts: o}
}

func (p *LeakyBucket) lane(kind Kind, key string) *scheduler.Scheduler {
	k := laneKey{kind: kind, key: key}
	if v, ok := p.lanes.Load(k); ok {
		return v.(*scheduler.Scheduler)
	}
	cfg := p.opts.rest
	if kind == KindQuery {
		cfg = p.opts.query
	}
	s := scheduler.New(bucket.New(cfg.Capacity, cfg.LeakRate, p.opts.clock), p.opts.clock, p.opts.minPoll)
	v, _ := p.lanes.LoadOrStore(k, s)
	return v.(*scheduler.Scheduler)
}

// Snapshot returns the local view of one bucket, or the zero snapshot when no
// call has used it yet.
func (p *LeakyBucket) Snapshot(kind Kind, key string) bucket.Snapshot {
	v, ok := p.lanes.Load(laneKey{kind: kind, key: key})
	if !ok {
		return bucket.Snapshot{}
	}
	return v.(*scheduler.Scheduler).Bucket().Snapshot()
}

// Execute admits, sends and, while the remote throttles and the budget
// allows, waits and sends again.
func (p *LeakyBucket) Execute(ctx context.Context, req *Request, send Sender) (*Response, error) {
	cost, err := EstimateCost(req)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}

	c := &call{
		opts:  &p.opts,
		req:   req,
		send:  send,
		cost:  cost,
		prio:  p.opts.priority(ctx),
		lane:  p.lane(req.Kind, req.Key),
		start: p.opts.clock.Now(),
	}
	c.log = p.opts.log.With().
		Str("req_id", req.RequestID).
		Str("kind", req.Kind.String()).
		Float64("cost", cost).
		Logger()

	resp, err := c.run(ctx)
	p.opts.metrics.Done(req.Kind.String(), outcome(err))
	return resp, err
}

var errBudgetSpent = errors.New("retry budget spent")

type callState int

const (
	statePending callState = iota
	stateAdmitted
	stateSent
	stateThrottled
	stateSucceeded
	stateFailed
)

func (s callState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAdmitted:
		return "admitted"
	case stateSent:
		return "sent"
	case stateThrottled:
		return "throttled"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// call is one Execute in flight.
type call struct {
	opts *options
	req  *Request
	send Sender
	cost float64
	prio Priority
	lane *scheduler.Scheduler
	log  zerolog.Logger

	start    time.Time
	attempts int
	state    callState
	reason   apierr.Reason // of the last throttle
}

func (c *call) to(s callState) {
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Int("attempt", c.attempts).Msg("call state")
	c.state = s
}

func (c *call) run(ctx context.Context) (*Response, error) {
	for {
		reserved, err := c.admit(ctx)
		if err != nil {
			c.to(stateFailed)
			return nil, err
		}

		c.attempts++
		c.to(stateSent)
		resp, err := c.send.Send(ctx, c.req)
		if err != nil {
			// the remote may have charged the call, keep the reservation
			c.to(stateFailed)
			return nil, sendError(ctx, c.req, err)
		}
		resp.RequestID = c.req.RequestID
		resp.Attempts = c.attempts

		o := inspect(c.req.Kind, resp, c.cost, c.opts.clock.Now())
		if !o.throttled {
			c.settle(o, reserved)
			if o.err != nil {
				c.to(stateFailed)
				return nil, o.err
			}
			c.to(stateSucceeded)
			return resp, nil
		}

		c.to(stateThrottled)
		wait, err := c.backoff(o, resp, reserved)
		if err != nil {
			c.to(stateFailed)
			return nil, err
		}
		if err := c.sleep(ctx, wait); err != nil {
			c.to(stateFailed)
			return nil, err
		}
		c.to(statePending)
	}
}

// admit reserves the call's cost locally. It reports false when local
// tracking is off and nothing was reserved.
//
// Fail-fast only applies before the first send. Once the remote has throttled
// the call, admission waits for room within what is left of the retry budget.
func (c *call) admit(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apierr.Cancelled(err)
	}
	if !c.opts.localTracking {
		return false, nil
	}

	kind := c.req.Kind.String()
	if c.opts.failFast && c.attempts == 0 {
		if c.lane.TryAdmit(c.cost, c.prio) {
			c.opts.metrics.Admitted(kind, c.prio.String(), 0)
			c.to(stateAdmitted)
			return true, nil
		}
		if !c.lane.Bucket().Fits(c.cost) {
			return false, c.limited(apierr.ReasonCapacityExceeded)
		}
		return false, c.limited(apierr.ReasonLocalBucketFull)
	}

	actx := ctx
	if c.attempts > 0 {
		left := c.opts.maxRetryTime - c.opts.clock.Since(c.start)
		if left <= 0 {
			if !c.lane.TryAdmit(c.cost, c.prio) {
				return false, c.exhausted()
			}
			c.opts.metrics.Admitted(kind, c.prio.String(), 0)
			c.to(stateAdmitted)
			return true, nil
		}
		var cancel context.CancelCauseFunc
		actx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		t := c.opts.clock.AfterFunc(left, func() { cancel(errBudgetSpent) })
		defer t.Stop()
	}

	waited, err := c.lane.Admit(actx, c.cost, c.prio)
	if errors.Is(err, apierr.ErrCapacityExceeded) {
		return false, c.limited(apierr.ReasonCapacityExceeded)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(actx), errBudgetSpent) {
			return false, c.exhausted()
		}
		return false, err
	}
	c.opts.metrics.Admitted(kind, c.prio.String(), waited)
	if waited > 0 {
		c.log.Debug().Dur("waited", waited).Str("priority", c.prio.String()).Msg("admitted after wait")
	}
	c.to(stateAdmitted)
	return true, nil
}

// settle folds a non-throttled response into the local bucket.
func (c *call) settle(o observation, reserved bool) {
	if reserved && o.hasActual && !o.report.ok && o.actual < c.cost {
		c.lane.Release(c.cost - o.actual)
	}
	if o.report.ok {
		c.lane.Observe(o.report.fill, o.report.capacity, o.report.leakRate)
		c.opts.metrics.Observed(c.req.Kind.String(), c.lane.Bucket().Snapshot())
	}
}

// backoff handles a throttled response and returns how long to wait before
// the next attempt, or the error to surface.
func (c *call) backoff(o observation, resp *Response, reserved bool) (time.Duration, error) {
	// throttled calls are not charged
	if reserved {
		c.lane.Release(c.cost)
	}
	if o.report.ok {
		c.lane.Observe(o.report.fill, o.report.capacity, o.report.leakRate)
	}

	reason := classify(o, c.lane.Bucket().Snapshot(), c.cost)
	c.reason = reason
	if reason == apierr.ReasonBucketFull && !o.report.ok {
		c.lane.Saturate()
	}

	wait := o.retryAfter
	if !o.hasRetryAfter {
		wait = c.lane.WaitFor(c.cost)
	}

	snap := o.report.snapshot()
	if !o.report.ok {
		snap = c.lane.Bucket().Snapshot()
	}

	kind := c.req.Kind.String()
	if !c.retryable(reason) {
		c.opts.metrics.Throttle(kind, string(reason), false, 0)
		rl := rateLimitError(reason, snap, o, resp)
		rl.Attempts = c.attempts
		return 0, rl
	}

	if elapsed := c.opts.clock.Since(c.start); elapsed+wait > c.opts.maxRetryTime {
		c.opts.metrics.Throttle(kind, string(reason), false, 0)
		c.log.Warn().Str("reason", string(reason)).Dur("elapsed", elapsed).Dur("wait", wait).Msg("retry budget exhausted")
		rl := rateLimitError(reason, snap, o, resp)
		rl.Attempts = c.attempts
		rl.Exhausted = true
		return 0, rl
	}

	c.opts.metrics.Throttle(kind, string(reason), true, wait)
	c.log.Info().
		Str("reason", string(reason)).
		Int("attempt", c.attempts).
		Dur("wait", wait).
		Bool("retry_after", o.hasRetryAfter).
		Msg("throttled, retrying")
	return wait, nil
}

func (c *call) retryable(reason apierr.Reason) bool {
	switch reason {
	case apierr.ReasonBucketFull:
		return true
	case apierr.ReasonNonFullBucket:
		return c.opts.retryNonFull
	case apierr.ReasonLocalBucketFull:
		return !c.opts.failFast
	default:
		return false
	}
}

// limited is the error for a call the local bucket refuses.
func (c *call) limited(reason apierr.Reason) *apierr.RateLimitError {
	var cause error
	if reason == apierr.ReasonCapacityExceeded {
		cause = apierr.ErrCapacityExceeded
	}
	rl := apierr.NewRateLimitError(reason, c.lane.Bucket().Snapshot(), cause)
	rl.Attempts = c.attempts
	rl.RequestID = c.req.RequestID
	return rl
}

// exhausted is the error for a throttled call whose budget ran out while it
// waited to be admitted again.
func (c *call) exhausted() *apierr.RateLimitError {
	c.opts.metrics.Throttle(c.req.Kind.String(), string(c.reason), false, 0)
	c.log.Warn().Str("reason", string(c.reason)).Dur("elapsed", c.opts.clock.Since(c.start)).Msg("retry budget exhausted")
	rl := c.limited(c.reason)
	rl.Exhausted = true
	return rl
}

func (c *call) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.opts.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return apierr.Cancelled(ctx.Err())
	case <-t.Chan():
		return nil
	}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if apierr.IsCancelled(err) {
		return "cancelled"
	}
	if _, ok := apierr.IsRateLimit(err); ok {
		return "rate_limited"
	}
	if _, ok := apierr.IsRemote(err); ok {
		return "remote_error"
	}
	if errors.Is(err, ErrCostRequired) {
		return "invalid"
	}
	return "transport_error"
}
