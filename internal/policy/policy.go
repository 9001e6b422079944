// Package policy decides how a prepared call reaches the remote: sent once
// (NoRetry) or paced against the remote's leaky bucket and retried through
// throttling (LeakyBucket).
package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AlexKimmel/shopthrottle/internal/apierr"
	"github.com/AlexKimmel/shopthrottle/internal/scheduler"
)

// Kind selects which remote bucket a call is charged against.
type Kind int

const (
	// KindREST calls cost a fixed amount against the small REST bucket.
	KindREST Kind = iota
	// KindQuery calls carry a declared cost against the cost-denominated bucket.
	KindQuery
)

func (k Kind) String() string {
	if k == KindQuery {
		return "query"
	}
	return "rest"
}

type Priority = scheduler.Priority

const (
	Foreground = scheduler.Foreground
	Background = scheduler.Background
)

// Request is a fully prepared call.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	Kind Kind
	// Cost in bucket units. Zero means 1 for REST; queries must set it.
	Cost float64
	// Key identifies the remote bucket, usually the access token.
	Key string
	// RequestID is filled in by the policy when empty.
	RequestID string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Attempts   int
}

// Sender performs exactly one transport attempt.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Policy executes a call and returns either the successful response or a
// terminal error: *apierr.RateLimitError, *apierr.RemoteError, an
// apierr.ErrCancelled match, or a transport error.
type Policy interface {
	Execute(ctx context.Context, req *Request, send Sender) (*Response, error)
}

var ErrCostRequired = errors.New("query calls need an explicit cost")

// EstimateCost returns the units a call will be charged.
func EstimateCost(req *Request) (float64, error) {
	if req.Cost > 0 {
		return req.Cost, nil
	}
	if req.Kind == KindQuery {
		return 0, ErrCostRequired
	}
	return 1, nil
}

type ctxKey int

const keyPriority ctxKey = 0

// WithPriority marks every call made with ctx as foreground or background.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, keyPriority, p)
}

// PriorityFrom is the default request context supplier. Unmarked calls are
// foreground.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(keyPriority).(Priority); ok {
		return p
	}
	return Foreground
}

// NoRetry sends once and surfaces throttling as a rate limit error.
type NoRetry struct{}

var _ Policy = NoRetry{}

func (NoRetry) Execute(ctx context.Context, req *Request, send Sender) (*Response, error) {
	cost, err := EstimateCost(req)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}

	resp, err := send.Send(ctx, req)
	if err != nil {
		return nil, sendError(ctx, req, err)
	}
	resp.RequestID = req.RequestID
	resp.Attempts = 1

	o := inspect(req.Kind, resp, cost, time.Now())
	if o.throttled {
		rl := rateLimitError(classify(o, unknownBucket, cost), o.report.snapshot(), o, resp)
		rl.Attempts = 1
		return nil, rl
	}
	if o.err != nil {
		return nil, o.err
	}
	return resp, nil
}

func sendError(ctx context.Context, req *Request, err error) error {
	if ctx.Err() != nil {
		return apierr.Cancelled(ctx.Err())
	}
	return fmt.Errorf("send %s %s: %w", req.Method, req.Path, err)
}
