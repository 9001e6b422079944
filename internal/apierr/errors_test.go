package apierr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AlexKimmel/shopthrottle/internal/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorJSON(t *testing.T) {
	testCases := []struct {
		name   string
		body   string
		expect map[string][]string
	}{
		{
			name:   "errors string",
			body:   `{"errors":"foo error message"}`,
			expect: map[string][]string{"error": {"foo error message"}},
		},
		{
			name:   "errors object of strings",
			body:   `{"errors":{"order":"foo error message"}}`,
			expect: map[string][]string{"order": {"foo error message"}},
		},
		{
			name:   "errors object of arrays",
			body:   `{"errors":{"order":["foo error message","bar error message"]}}`,
			expect: map[string][]string{"order": {"foo error message", "bar error message"}},
		},
		{
			name:   "errors array of query errors",
			body:   `{"errors":[{"message":"Field 'unknown_field' doesn't exist"}]}`,
			expect: map[string][]string{"error": {"Field 'unknown_field' doesn't exist"}},
		},
		{
			name:   "error with description",
			body:   `{"error":"foo","error_description":"bar"}`,
			expect: map[string][]string{"foo": {"bar"}},
		},
		{
			name:   "error only",
			body:   `{"error":"location_id must be specified when creating fulfillments."}`,
			expect: map[string][]string{"error": {"location_id must be specified when creating fulfillments."}},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseErrorJSON([]byte(tt.body))
			require.True(t, ok)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestParseErrorJSONRejects(t *testing.T) {
	for _, body := range []string{
		"", "text here", "[]", "[1,2,3]", "true", "false",
		`{"error_foo":"bar"}`,
		`{"error_foo":"bar","error_description":"baz"}`,
		`{"errors_foo":"bar"}`,
	} {
		_, ok := ParseErrorJSON([]byte(body))
		assert.False(t, ok, "body %q", body)
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	e := NewRemoteError(500, []byte("{}"))
	assert.Contains(t, e.Error(), "Response did not indicate success. Status: 500")
	assert.Empty(t, e.Errors)

	e = NewRemoteError(422, []byte(`{"errors":{"title":["can't be blank"],"base":["invalid"]}}`))
	assert.Equal(t, "Response did not indicate success. Status: 422 Unprocessable Entity. base: invalid; title: can't be blank", e.Error())

	wrapped := fmt.Errorf("create order: %w", e)
	re, ok := IsRemote(wrapped)
	require.True(t, ok)
	assert.Equal(t, 422, re.StatusCode)
}

func TestRateLimitError(t *testing.T) {
	snap := bucket.Snapshot{Capacity: 40, Fill: 40, LeakRate: 2}
	e := NewRateLimitError(ReasonBucketFull, snap, nil)
	e.Attempts = 3
	e.Exhausted = true
	e.RetryAfter = 2 * time.Second

	assert.Equal(t, "rate limited (bucket_full): retry budget exhausted after 3 attempt(s); bucket 40/40; retry after 2s", e.Error())
	assert.True(t, e.Retryable())

	rl, ok := IsRateLimit(fmt.Errorf("list orders: %w", e))
	require.True(t, ok)
	assert.Equal(t, ReasonBucketFull, rl.Reason)

	perm := NewRateLimitError(ReasonCapacityExceeded, snap, ErrCapacityExceeded)
	assert.False(t, perm.Retryable())
	assert.True(t, errors.Is(perm, ErrCapacityExceeded))
}

func TestCancelled(t *testing.T) {
	err := Cancelled(context.DeadlineExceeded)
	assert.True(t, IsCancelled(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, ok := IsRateLimit(err)
	assert.False(t, ok)

	assert.True(t, errors.Is(Cancelled(nil), context.Canceled))
}
