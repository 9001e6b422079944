package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/shopthrottle/internal/client"
	"github.com/AlexKimmel/shopthrottle/internal/config"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
)

func TestBenchAgainstLocalSandbox(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"bench", "--local", "--log-level", "error", "-n", "8", "--concurrency", "4"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "success")
	assert.Contains(t, out.String(), "8")
}

func TestBenchQueriesWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[observability]
log_level = "error"

[policy.query]
capacity = 100
leak_rate = 1000

[sandbox.query]
capacity = 100
leak_rate = 1000

[[sandbox.tokens]]
shop = "bench"
secret = "shpat_bench"
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	srv, addr, err := startSandbox(cfg, zerolog.Nop(), "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	cfg.Client.ShopURL = "http://" + addr
	cfg.Client.AccessToken = "shpat_bench"
	c, err := client.New(cfg.Client.Config(zerolog.Nop()), cfg.Policy.Build(zerolog.Nop(), nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := runBench(ctx, c, &benchFlags{calls: 6, concurrency: 6, kind: "query", query: "{ shop { name } }", cost: 80, background: 3})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"success": 6}, res.outcomes)
	assert.GreaterOrEqual(t, res.attempts, 6)
}

func TestRunBenchRejectsBadFlags(t *testing.T) {
	c, err := client.New(client.Config{ShopURL: "http://127.0.0.1:1", AccessToken: "x"}, nil)
	require.NoError(t, err)

	_, err = runBench(context.Background(), c, &benchFlags{calls: 0})
	assert.Error(t, err)
	_, err = runBench(context.Background(), c, &benchFlags{calls: 1, kind: "soap"})
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	d := []time.Duration{1, 2, 3, 4, 5}
	assert.Equal(t, time.Duration(3), percentile(d, 0.5))
	assert.Equal(t, time.Duration(5), percentile(d, 1))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestThrottleCountsRendered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := obs.NewPolicyMetrics(reg)
	m.Throttle("rest", "bucket_full", true, 10*time.Millisecond)
	m.Throttle("rest", "bucket_full", true, 10*time.Millisecond)
	m.Throttle("query", "capacity_exceeded", false, 0)

	rows, err := throttleCounts(reg)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{
		{"rest", "bucket_full", "true", "2"},
		{"query", "capacity_exceeded", "false", "1"},
	}, rows)

	var out bytes.Buffer
	res := &benchResult{outcomes: map[string]int{"success": 1}, throttles: rows}
	res.render(&out)
	assert.Contains(t, out.String(), "RESPONSES")
	assert.Contains(t, out.String(), "capacity_exceeded")
}
