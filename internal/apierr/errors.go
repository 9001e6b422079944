// Package apierr holds the failures that cross the execution policy boundary.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/AlexKimmel/shopthrottle/internal/bucket"
)

var (
	// ErrCancelled is matched by every failure caused by the caller's context.
	ErrCancelled = errors.New("call cancelled")

	// ErrCapacityExceeded means the call costs more than the bucket can ever hold.
	ErrCapacityExceeded = errors.New("cost exceeds bucket capacity")
)

// Reason says why a call was rate limited.
type Reason string

const (
	// ReasonBucketFull: the remote bucket was full. Always transient.
	ReasonBucketFull Reason = "bucket_full"
	// ReasonNonFullBucket: the remote throttled although its bucket reported
	// headroom, e.g. a per-resource limit.
	ReasonNonFullBucket Reason = "non_full_bucket"
	// ReasonLocalBucketFull: no remote hint, and the local estimate is full too.
	ReasonLocalBucketFull Reason = "local_bucket_full"
	// ReasonCapacityExceeded: the call can never fit.
	ReasonCapacityExceeded Reason = "capacity_exceeded"
)

// RateLimitError is a throttling outcome that could not be absorbed.
type RateLimitError struct {
	Reason     Reason
	RetryAfter time.Duration   // last wait hint, zero if none
	Bucket     bucket.Snapshot // last known bucket state
	Attempts   int             // sends made, 0 if rejected before sending
	Exhausted  bool            // retry budget ran out
	StatusCode int
	Errors     map[string][]string
	RequestID  string

	cause error
}

func NewRateLimitError(reason Reason, snap bucket.Snapshot, cause error) *RateLimitError {
	return &RateLimitError{Reason: reason, Bucket: snap, cause: cause}
}

func (e *RateLimitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rate limited (%s)", e.Reason)
	if e.Exhausted {
		b.WriteString(": retry budget exhausted")
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Bucket.Known() {
		fmt.Fprintf(&b, "; bucket %.0f/%.0f", e.Bucket.Fill, e.Bucket.Capacity)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, "; retry after %s", e.RetryAfter)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *RateLimitError) Unwrap() error { return e.cause }

// Retryable reports whether backing off and trying again can help.
func (e *RateLimitError) Retryable() bool {
	return e.Reason != ReasonCapacityExceeded
}

// RemoteError is a non-throttling failure reported by the remote.
type RemoteError struct {
	StatusCode int
	Status     string
	Errors     map[string][]string
	Body       []byte
	RequestID  string
}

// NewRemoteError parses body into the uniform field -> messages mapping.
func NewRemoteError(status int, body []byte) *RemoteError {
	e := &RemoteError{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       body,
	}
	if errs, ok := ParseErrorJSON(body); ok {
		e.Errors = errs
	}
	return e
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("Response did not indicate success. Status: %d %s.", e.StatusCode, e.Status)
	if len(e.Errors) == 0 {
		return msg
	}
	return msg + " " + FormatErrors(e.Errors)
}

// FormatErrors renders the mapping as "field: a, b; other: c" in key order.
func FormatErrors(errs map[string][]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(errs[k], ", "))
	}
	return strings.Join(parts, "; ")
}

// Cancelled wraps a context error so it matches both ErrCancelled and the
// original context error.
func Cancelled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func IsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func IsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
