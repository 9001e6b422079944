// Package sandbox is a local stand-in for the rate-limited remote: REST
// endpoints charged one call each against a small bucket, and a query
// endpoint charged by cost against a larger one. It reports bucket state the
// same way the real remote does, so the execution policy can be exercised
// end to end.
package sandbox

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/shopthrottle/internal/auth"
	"github.com/AlexKimmel/shopthrottle/internal/gateway"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit/memory"
	"github.com/AlexKimmel/shopthrottle/internal/routing"
)

const (
	QueryPath = "/admin/api/graphql.json"

	// HeaderQueryCost lets a caller pin the requested cost of a query.
	HeaderQueryCost = "X-Sandbox-Query-Cost"
	// HeaderStatus makes a REST call fail with the given status.
	HeaderStatus = "X-Sandbox-Status"
)

var (
	DefaultREST  = ratelimit.Policy{Capacity: 40, LeakRate: 2}
	DefaultQuery = ratelimit.Policy{Capacity: 1000, LeakRate: 50}
)

type Config struct {
	REST  ratelimit.Policy
	Query ratelimit.Policy
	// ActualCostRatio scales requested query cost to the cost charged.
	// Zero means 1.
	ActualCostRatio float64
	// Tokens maps access tokens to shop IDs.
	Tokens       map[string]string
	TokenHeader  string
	MaxBodyBytes int64

	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Metrics *obs.Metrics
}

type Server struct {
	cfg     Config
	lim     ratelimit.Limiter
	handler http.Handler
}

func New(cfg Config) *Server {
	if cfg.REST.Capacity <= 0 {
		cfg.REST = DefaultREST
	}
	if cfg.Query.Capacity <= 0 {
		cfg.Query = DefaultQuery
	}
	if cfg.ActualCostRatio <= 0 {
		cfg.ActualCostRatio = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Server{cfg: cfg, lim: memory.New(cfg.Clock)}

	rr := routing.New()
	rr.Add(&routing.Route{ID: "graphql", Kind: routing.KindQuery, Prefix: QueryPath, Methods: routing.Methods(http.MethodPost), Limit: cfg.Query})
	rr.Add(&routing.Route{ID: "rest", Kind: routing.KindREST, Prefix: "/admin", Limit: cfg.REST})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc(QueryPath, s.serveQuery)
	mux.HandleFunc("/", s.serveREST)

	skip := map[string]struct{}{"/health": {}}

	var onLimited, onError func(string)
	var metricsMW gateway.Middleware
	if m := cfg.Metrics; m != nil {
		onLimited = func(route string) { m.RateLimited.WithLabelValues(route).Inc() }
		onError = func(route string) { m.LimiterErrors.WithLabelValues(route).Inc() }
		metricsMW = m.Middleware(skip)
	}

	s.handler = gateway.Chain(
		mux,
		obs.Logger(cfg.Logger),
		gateway.BodyLimit(cfg.MaxBodyBytes),
		auth.NewStatic(cfg.TokenHeader, cfg.Tokens).Middleware(skip),
		gateway.RouteMatcher(rr, skip),
		metricsMW,
		gateway.RateLimit(s.lim, cfg.REST, skip, onLimited, onError),
	)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Close() error { return s.lim.Close() }
