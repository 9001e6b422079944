package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/shopthrottle/internal/apierr"
	"github.com/AlexKimmel/shopthrottle/internal/client"
	"github.com/AlexKimmel/shopthrottle/internal/config"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/policy"
)

type benchFlags struct {
	calls       int
	concurrency int
	kind        string
	path        string
	query       string
	cost        float64
	rate        float64
	background  int
	local       bool
}

func newBenchCmd(f *rootFlags) *cobra.Command {
	b := &benchFlags{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Fire concurrent calls through the execution policy and summarise the outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := f.load()
			if err != nil {
				return err
			}

			if b.local {
				if len(cfg.Sandbox.Tokens) == 0 {
					cfg.Sandbox.Tokens = []config.Token{{Shop: "bench", Secret: "shpat_bench"}}
				}
				srv, addr, err := startSandbox(cfg, logger, "127.0.0.1:0")
				if err != nil {
					return err
				}
				defer srv.Close()
				cfg.Client.ShopURL = "http://" + addr
				cfg.Client.AccessToken = cfg.Sandbox.Tokens[0].Secret
			}

			reg := prometheus.NewRegistry()
			metrics := obs.NewPolicyMetrics(reg)
			c, err := client.New(cfg.Client.Config(logger), cfg.Policy.Build(logger, metrics))
			if err != nil {
				return err
			}

			res, err := runBench(cmd.Context(), c, b)
			if err != nil {
				return err
			}
			if res.throttles, err = throttleCounts(reg); err != nil {
				return err
			}
			res.render(cmd.OutOrStdout())
			return nil
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&b.calls, "calls", "n", 50, "total calls")
	fl.IntVar(&b.concurrency, "concurrency", 10, "calls in flight at once")
	fl.StringVar(&b.kind, "kind", "rest", "rest or query")
	fl.StringVar(&b.path, "path", "/admin/shop.json", "REST path")
	fl.StringVar(&b.query, "query", "{ shop { name } }", "query document")
	fl.Float64Var(&b.cost, "cost", 0, "declared query cost (default 1 for REST, 10 for queries)")
	fl.Float64Var(&b.rate, "rate", 0, "start at most this many calls per second, 0 for unpaced")
	fl.IntVar(&b.background, "background", 0, "how many of the calls run at background priority")
	fl.BoolVar(&b.local, "local", false, "start an in-process sandbox and bench against it")
	return cmd
}

type benchResult struct {
	mu        sync.Mutex
	outcomes  map[string]int
	attempts  int
	latencies []time.Duration
	elapsed   time.Duration
	// kind, reason, retried, responses; read from the policy metrics
	throttles [][]string
}

func (r *benchResult) record(outcome string, attempts int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
	r.attempts += attempts
	r.latencies = append(r.latencies, d)
}

func runBench(ctx context.Context, c *client.Client, b *benchFlags) (*benchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.calls <= 0 {
		return nil, fmt.Errorf("calls must be positive")
	}
	kind := policy.KindREST
	switch b.kind {
	case "rest":
	case "query":
		kind = policy.KindQuery
		if b.cost <= 0 {
			b.cost = 10
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", b.kind)
	}

	limit := rate.Inf
	if b.rate > 0 {
		limit = rate.Limit(b.rate)
	}
	pace := rate.NewLimiter(limit, 1)

	res := &benchResult{outcomes: map[string]int{}}
	g, gctx := errgroup.WithContext(ctx)
	if b.concurrency > 0 {
		g.SetLimit(b.concurrency)
	}

	start := time.Now()
	for i := 0; i < b.calls; i++ {
		if err := pace.Wait(gctx); err != nil {
			break
		}
		callCtx := gctx
		if i < b.background {
			callCtx = policy.WithPriority(gctx, policy.Background)
		}
		g.Go(func() error {
			t0 := time.Now()
			var (
				resp *policy.Response
				err  error
			)
			if kind == policy.KindQuery {
				resp, err = c.Query(callCtx, b.query, nil, b.cost)
			} else {
				resp, err = c.REST(callCtx, http.MethodGet, b.path, nil)
			}
			attempts := 0
			if resp != nil {
				attempts = resp.Attempts
			} else if rl, ok := apierr.IsRateLimit(err); ok {
				attempts = rl.Attempts
			}
			res.record(outcomeOf(err), attempts, time.Since(t0))
			// failed calls are counted, not fatal
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	return res, err
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if rl, ok := apierr.IsRateLimit(err); ok {
		if rl.Exhausted {
			return "rate_limited:" + string(rl.Reason) + ":exhausted"
		}
		return "rate_limited:" + string(rl.Reason)
	}
	if apierr.IsCancelled(err) {
		return "cancelled"
	}
	if re, ok := apierr.IsRemote(err); ok {
		return "remote_error:" + strconv.Itoa(re.StatusCode)
	}
	return "transport_error"
}

// throttleCounts reads the policy's throttled-response counters back out of
// reg, one row per label set.
func throttleCounts(reg prometheus.Gatherer) ([][]string, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather policy metrics: %w", err)
	}
	var rows [][]string
	for _, mf := range mfs {
		if mf.GetName() != "shopthrottle_throttled_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			rows = append(rows, []string{
				labels["kind"],
				labels["reason"],
				labels["retried"],
				strconv.FormatFloat(m.GetCounter().GetValue(), 'f', 0, 64),
			})
		}
	}
	return rows, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func (r *benchResult) render(w io.Writer) {
	keys := make([]string, 0, len(r.outcomes))
	for k := range r.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Outcome", "Calls"})
	table.SetBorder(false)
	for _, k := range keys {
		table.Append([]string{k, strconv.Itoa(r.outcomes[k])})
	}
	table.Render()

	lat := append([]time.Duration(nil), r.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Elapsed", "Attempts", "p50", "p95", "Max"})
	summary.SetBorder(false)
	summary.Append([]string{
		r.elapsed.Round(time.Millisecond).String(),
		strconv.Itoa(r.attempts),
		percentile(lat, 0.5).Round(time.Millisecond).String(),
		percentile(lat, 0.95).Round(time.Millisecond).String(),
		percentile(lat, 1).Round(time.Millisecond).String(),
	})
	summary.Render()

	if len(r.throttles) == 0 {
		return
	}
	throttled := tablewriter.NewWriter(w)
	throttled.SetHeader([]string{"Kind", "Reason", "Retried", "Responses"})
	throttled.SetBorder(false)
	throttled.AppendBulk(r.throttles)
	throttled.Render()
}
