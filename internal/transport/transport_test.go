package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/AlexKimmel/shopthrottle/internal/policy"
)

func newSender(url string) *Sender {
	return NewSender(Config{
		BaseURL:      url + "/",
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
}

func TestSendDoesNotRetryServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":"boom"}`))
	}))
	defer srv.Close()

	resp, err := newSender(srv.URL).Send(context.Background(), &policy.Request{Method: http.MethodPost, Path: "/admin/orders.json", Body: []byte(`{}`)})

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"errors":"boom"}`, string(resp.Body))
	assert.EqualValues(t, 1, hits.Load())
}

func TestSendRetriesConnectionErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Inc() < 3 {
			// drop the connection without answering
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := newSender(srv.URL).Send(context.Background(), &policy.Request{Method: http.MethodGet, Path: "/admin/shop.json"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, hits.Load(), int64(3))
}

func TestSendLeavesThrottlingToPolicy(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.Header().Set("Retry-After", "2.0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := newSender(srv.URL).Send(context.Background(), &policy.Request{Method: http.MethodGet, Path: "/x"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2.0", resp.Header.Get("Retry-After"))
	assert.EqualValues(t, 1, hits.Load())
}

func TestSendSetsHeadersAndBody(t *testing.T) {
	type seen struct {
		method, path, rid, token, ctype, body string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Path, r.Header.Get(HeaderRequestID), r.Header.Get("X-Shopify-Access-Token"), r.Header.Get("Content-Type"), string(b)}
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("X-Shopify-Access-Token", "tok")
	_, err := newSender(srv.URL).Send(context.Background(), &policy.Request{
		Method:    http.MethodPost,
		Path:      "/admin/api/graphql.json",
		Header:    h,
		Body:      []byte(`{"query":"{ shop { name } }"}`),
		RequestID: "rid-1",
	})
	require.NoError(t, err)

	s := <-got
	assert.Equal(t, seen{
		method: http.MethodPost,
		path:   "/admin/api/graphql.json",
		rid:    "rid-1",
		token:  "tok",
		ctype:  "application/json",
		body:   `{"query":"{ shop { name } }"}`,
	}, s)
}

func TestSendCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newSender(srv.URL).Send(ctx, &policy.Request{Method: http.MethodGet, Path: "/slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
