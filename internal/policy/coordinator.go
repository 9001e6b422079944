package policy

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/AlexKimmel/shopthrottle/internal/apierr"
	"github.com/AlexKimmel/shopthrottle/internal/bucket"
	"github.com/AlexKimmel/shopthrottle/internal/signals"
)

// report is the remote's bucket state as carried by one response.
type report struct {
	ok       bool
	fill     float64
	capacity float64
	leakRate float64 // 0 when the response does not say
}

func (r report) snapshot() bucket.Snapshot {
	if !r.ok {
		return bucket.Snapshot{}
	}
	return bucket.Snapshot{Capacity: r.capacity, Fill: r.fill, LeakRate: r.leakRate}
}

// observation is everything the coordinator learns from one response.
type observation struct {
	throttled     bool
	overCapacity  bool // the remote refused a cost larger than its capacity
	retryAfter    time.Duration
	hasRetryAfter bool
	report        report

	// query responses only: the cost actually charged
	actual    float64
	hasActual bool

	// query error messages, kept for rate limit errors
	errors []string

	// terminal non-throttling failure, nil on success
	err error
}

var unknownBucket = bucket.Snapshot{}

// inspect reads rate limit feedback and failures out of resp. A refusal
// because cost can never fit is reported as throttled with overCapacity set,
// so it takes the same path as any other rate limit.
func inspect(kind Kind, resp *Response, cost float64, now time.Time) observation {
	var o observation
	o.retryAfter, o.hasRetryAfter = signals.ParseRetryAfter(resp.Header, now)
	o.throttled = resp.StatusCode == http.StatusTooManyRequests

	if kind == KindREST {
		if cl, ok := signals.ParseCallLimit(resp.Header); ok {
			o.report = report{ok: true, fill: cl.Used, capacity: cl.Max}
		}
		if !o.throttled && resp.StatusCode >= 400 {
			o.err = remoteError(resp)
		}
		return o
	}

	res, perr := signals.ParseQuery(resp.Body)
	if perr == nil {
		if res.HasCost {
			o.report = report{
				ok:       true,
				fill:     res.Cost.Fill(),
				capacity: res.Cost.Maximum,
				leakRate: res.Cost.RestoreRate,
			}
		}
		o.actual, o.hasActual = res.Cost.Actual, res.Cost.HasActual
		o.errors = res.Errors
		if res.MaxCostExceeded || (len(res.Errors) > 0 && res.HasCost && res.Cost.Maximum > 0 && cost > res.Cost.Maximum) {
			o.overCapacity = true
		}
	}
	switch {
	case o.throttled:
	case o.overCapacity, perr == nil && res.Throttled:
		o.throttled = true
	case resp.StatusCode >= 400:
		o.err = remoteError(resp)
	case perr != nil:
		o.err = &apierr.RemoteError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Errors:     map[string][]string{"query": {"unreadable response: " + perr.Error()}},
			Body:       resp.Body,
			RequestID:  resp.RequestID,
		}
	case len(res.Errors) > 0:
		o.err = &apierr.RemoteError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Errors:     map[string][]string{"query": res.Errors},
			Body:       resp.Body,
			RequestID:  resp.RequestID,
		}
	}
	return o
}

func remoteError(resp *Response) *apierr.RemoteError {
	e := apierr.NewRemoteError(resp.StatusCode, resp.Body)
	e.RequestID = resp.RequestID
	return e
}

// classify names the reason for a throttled response. The remote's own
// bucket report wins; without one the local estimate decides between "we
// knew it was full" and "the remote is fuller than we thought".
func classify(o observation, local bucket.Snapshot, cost float64) apierr.Reason {
	if o.overCapacity {
		return apierr.ReasonCapacityExceeded
	}
	if o.report.ok {
		if o.report.capacity > 0 && cost > o.report.capacity {
			return apierr.ReasonCapacityExceeded
		}
		if o.report.fill+cost > o.report.capacity {
			return apierr.ReasonBucketFull
		}
		return apierr.ReasonNonFullBucket
	}
	if local.Full(cost) {
		return apierr.ReasonLocalBucketFull
	}
	return apierr.ReasonBucketFull
}

// rateLimitError builds the error surfaced for a throttled response.
func rateLimitError(reason apierr.Reason, snap bucket.Snapshot, o observation, resp *Response) *apierr.RateLimitError {
	var cause error
	if reason == apierr.ReasonCapacityExceeded {
		cause = apierr.ErrCapacityExceeded
	}
	rl := apierr.NewRateLimitError(reason, snap, cause)
	rl.RetryAfter = o.retryAfter
	rl.StatusCode = resp.StatusCode
	rl.RequestID = resp.RequestID
	if len(o.errors) > 0 {
		rl.Errors = map[string][]string{"query": o.errors}
	} else if errs, ok := apierr.ParseErrorJSON(resp.Body); ok {
		rl.Errors = errs
	}
	return rl
}

func newRequestID() string {
	return uuid.NewString()
}
