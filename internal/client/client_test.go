package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/shopthrottle/internal/apierr"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/policy"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
	"github.com/AlexKimmel/shopthrottle/internal/sandbox"
	"github.com/AlexKimmel/shopthrottle/internal/transport"
)

const token = "shpat_test"

func newSandbox(t *testing.T, cfg sandbox.Config) string {
	t.Helper()
	cfg.Tokens = map[string]string{token: "shop-1"}
	sb := sandbox.New(cfg)
	srv := httptest.NewServer(sb.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = sb.Close()
	})
	return srv.URL
}

func newClient(t *testing.T, url string, p policy.Policy) *Client {
	t.Helper()
	c, err := New(Config{
		ShopURL:     url,
		AccessToken: token,
		Transport:   transport.Config{RetryMax: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond},
	}, p)
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ShopURL: "http://x"}, nil)
	assert.Error(t, err)
	_, err = New(Config{AccessToken: token}, nil)
	assert.Error(t, err)
}

func TestConcurrentRESTCallsAllSucceed(t *testing.T) {
	url := newSandbox(t, sandbox.Config{REST: ratelimit.Policy{Capacity: 4, LeakRate: 4}})
	c := newClient(t, url, policy.NewLeakyBucket(
		policy.WithBuckets(policy.BucketConfig{Capacity: 4, LeakRate: 4}, policy.DefaultQuery),
	))

	var calls atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			resp, err := c.REST(ctx, http.MethodGet, "/admin/shop.json", nil)
			if err != nil {
				return err
			}
			calls.Add(int64(resp.Attempts))
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, calls.Load(), int64(10))
}

func TestConcurrentRESTCallsLearnUnknownCapacity(t *testing.T) {
	url := newSandbox(t, sandbox.Config{REST: ratelimit.Policy{Capacity: 4, LeakRate: 4}})
	p := policy.NewLeakyBucket(
		policy.WithBuckets(policy.BucketConfig{LeakRate: 4}, policy.DefaultQuery),
		policy.WithMinPollInterval(10*time.Millisecond),
	)
	c := newClient(t, url, p)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := c.REST(ctx, http.MethodGet, "/admin/shop.json", nil)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 4.0, p.Snapshot(policy.KindREST, token).Capacity)
}

func TestConcurrentExpensiveQueriesAllSucceed(t *testing.T) {
	bucket := ratelimit.Policy{Capacity: 1000, LeakRate: 10000}
	url := newSandbox(t, sandbox.Config{Query: bucket})
	c := newClient(t, url, policy.NewLeakyBucket(
		policy.WithBuckets(policy.DefaultREST, policy.BucketConfig{Capacity: 1000, LeakRate: 10000}),
		policy.WithMinPollInterval(5*time.Millisecond),
	))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			resp, err := c.Do(ctx, &policy.Request{
				Method: http.MethodPost,
				Path:   DefaultQueryPath,
				Header: http.Header{sandbox.HeaderQueryCost: {"862"}},
				Body:   []byte(`{"query":"{ shop { name } }"}`),
				Kind:   policy.KindQuery,
				Cost:   862,
			})
			if err != nil {
				return err
			}
			if fastjson.GetString(resp.Body, "data", "shop", "name") != "shop-1" {
				t.Errorf("unexpected body %s", resp.Body)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestQueryOverCapacityNeverSent(t *testing.T) {
	url := newSandbox(t, sandbox.Config{})
	c := newClient(t, url, policy.NewLeakyBucket())

	_, err := c.Query(context.Background(), "{ shop { name } }", nil, 1001)

	assert.ErrorIs(t, err, apierr.ErrCapacityExceeded)
}

func TestQueryOverRemoteCapacityFailsPermanently(t *testing.T) {
	for name, p := range map[string]policy.Policy{
		"seeded_larger": policy.NewLeakyBucket(),
		"untracked":     policy.NewLeakyBucket(policy.WithLocalBucketTracking(false)),
		"no_retry":      policy.NoRetry{},
	} {
		t.Run(name, func(t *testing.T) {
			url := newSandbox(t, sandbox.Config{Query: ratelimit.Policy{Capacity: 500, LeakRate: 50}})
			c := newClient(t, url, p)

			_, err := c.Do(context.Background(), &policy.Request{
				Method: http.MethodPost,
				Path:   DefaultQueryPath,
				Header: http.Header{sandbox.HeaderQueryCost: {"800"}},
				Body:   []byte(`{"query":"{ shop { name } }"}`),
				Kind:   policy.KindQuery,
				Cost:   800,
			})

			rl, ok := apierr.IsRateLimit(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, apierr.ReasonCapacityExceeded, rl.Reason)
			assert.ErrorIs(t, err, apierr.ErrCapacityExceeded)
			assert.False(t, rl.Retryable())
			assert.Equal(t, 1, rl.Attempts)
			require.NotEmpty(t, rl.Errors["query"])
			assert.Contains(t, rl.Errors["query"][0], "exceeds max complexity of 500")
		})
	}
}

func TestQueryWithVariables(t *testing.T) {
	url := newSandbox(t, sandbox.Config{})
	c := newClient(t, url, policy.NewLeakyBucket())

	resp, err := c.Query(context.Background(), "query($id: ID!) { node(id: $id) { id } }", []byte(`{"id":"gid://shopify/Product/1"}`), 2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = c.Query(context.Background(), "{ shop { name } }", []byte(`[1]`), 2)
	assert.Error(t, err)
}

func TestNoRetryIsTheDefault(t *testing.T) {
	url := newSandbox(t, sandbox.Config{REST: ratelimit.Policy{Capacity: 1, LeakRate: 0.01}})
	c := newClient(t, url, nil)

	_, err := c.REST(context.Background(), http.MethodGet, "/admin/shop.json", nil)
	require.NoError(t, err)

	_, err = c.REST(context.Background(), http.MethodGet, "/admin/shop.json", nil)
	rl, ok := apierr.IsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, apierr.ReasonBucketFull, rl.Reason)
	assert.Contains(t, rl.Errors["error"][0], "Exceeded 2 calls per second")
}

func TestSetPolicy(t *testing.T) {
	url := newSandbox(t, sandbox.Config{REST: ratelimit.Policy{Capacity: 1, LeakRate: 20}})
	c := newClient(t, url, nil)
	assert.IsType(t, policy.NoRetry{}, c.Policy())

	p := policy.NewLeakyBucket(policy.WithBuckets(policy.BucketConfig{Capacity: 1, LeakRate: 20}, policy.DefaultQuery))
	c.SetPolicy(p)
	assert.Same(t, p, c.Policy())

	for i := 0; i < 3; i++ {
		_, err := c.REST(context.Background(), http.MethodGet, "/admin/shop.json", nil)
		require.NoError(t, err)
	}

	c.SetPolicy(nil)
	assert.IsType(t, policy.NoRetry{}, c.Policy())
}

func TestRemoteErrorSurfaces(t *testing.T) {
	url := newSandbox(t, sandbox.Config{})
	c := newClient(t, url, policy.NewLeakyBucket())

	_, err := c.Do(context.Background(), &policy.Request{
		Method: http.MethodPost,
		Path:   "/admin/products.json",
		Header: http.Header{sandbox.HeaderStatus: {"422"}},
		Body:   []byte(`{}`),
		Kind:   policy.KindREST,
	})

	re, ok := apierr.IsRemote(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, re.StatusCode)
	assert.Equal(t, []string{"injected failure"}, re.Errors["base"])
	assert.Equal(t, "Response did not indicate success. Status: 422 Unprocessable Entity. base: injected failure", re.Error())
}

func TestServerErrorChargedOnce(t *testing.T) {
	url := newSandbox(t, sandbox.Config{REST: ratelimit.Policy{Capacity: 40, LeakRate: 0.01}})
	p := policy.NewLeakyBucket()
	c := newClient(t, url, p)

	_, err := c.Do(context.Background(), &policy.Request{
		Method: http.MethodPost,
		Path:   "/admin/orders.json",
		Header: http.Header{sandbox.HeaderStatus: {"500"}},
		Body:   []byte(`{}`),
		Kind:   policy.KindREST,
	})

	re, ok := apierr.IsRemote(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
	// the sandbox reported one charged call
	assert.InDelta(t, 1, p.Snapshot(policy.KindREST, token).Fill, 0.1)
}

func TestRequestIDFromContext(t *testing.T) {
	seen := make(chan string, 1)
	c, err := New(Config{AccessToken: token, Sender: policy.SenderFunc(func(ctx context.Context, req *policy.Request) (*policy.Response, error) {
		seen <- req.RequestID
		assert.Equal(t, token, req.Header.Get(DefaultTokenHeader))
		return &policy.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})}, nil)
	require.NoError(t, err)

	resp, err := c.REST(obs.WithReqID(context.Background(), "rid-42"), "get", "/admin/shop.json", nil)
	require.NoError(t, err)
	assert.Equal(t, "rid-42", <-seen)
	assert.Equal(t, "rid-42", resp.RequestID)
}

func TestBackgroundCallsCanBeCancelled(t *testing.T) {
	url := newSandbox(t, sandbox.Config{REST: ratelimit.Policy{Capacity: 1, LeakRate: 0.01}})
	c := newClient(t, url, policy.NewLeakyBucket(
		policy.WithBuckets(policy.BucketConfig{Capacity: 1, LeakRate: 0.01}, policy.DefaultQuery),
	))

	_, err := c.REST(context.Background(), http.MethodGet, "/admin/shop.json", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(policy.WithPriority(context.Background(), policy.Background), 50*time.Millisecond)
	defer cancel()
	_, err = c.REST(ctx, http.MethodGet, "/admin/shop.json", nil)
	assert.True(t, apierr.IsCancelled(err))
}
