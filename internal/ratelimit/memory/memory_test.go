package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
)

func TestAllowChargesUntilFull(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(clk)
	p := ratelimit.Policy{Capacity: 4, LeakRate: 2}
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		d, err := l.Allow(ctx, "shop", 1, p)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, float64(i), d.Used)
		assert.Equal(t, 4.0, d.Limit)
	}

	d, err := l.Allow(ctx, "shop", 1, p)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
	assert.Zero(t, d.Available())

	clk.Advance(500 * time.Millisecond)
	d, _ = l.Allow(ctx, "shop", 1, p)
	assert.True(t, d.Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(clockwork.NewFakeClock())
	p := ratelimit.Policy{Capacity: 1, LeakRate: 1}
	ctx := context.Background()

	a, _ := l.Allow(ctx, "a", 1, p)
	b, _ := l.Allow(ctx, "b", 1, p)
	assert.True(t, a.Allowed)
	assert.True(t, b.Allowed)

	a, _ = l.Allow(ctx, "a", 1, p)
	assert.False(t, a.Allowed)
}

func TestRefund(t *testing.T) {
	l := New(clockwork.NewFakeClock())
	p := ratelimit.Policy{Capacity: 1000, LeakRate: 50}
	ctx := context.Background()

	_, _ = l.Allow(ctx, "shop", 862, p)
	d, err := l.Refund(ctx, "shop", 450, p)
	require.NoError(t, err)
	assert.Equal(t, 412.0, d.Used)
	assert.Equal(t, 588.0, d.Available())
}

func TestUnlimitedPolicy(t *testing.T) {
	l := New(nil)
	d, err := l.Allow(context.Background(), "shop", 1e9, ratelimit.Policy{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
