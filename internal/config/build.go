package config

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/shopthrottle/internal/client"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/policy"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
	"github.com/AlexKimmel/shopthrottle/internal/sandbox"
	"github.com/AlexKimmel/shopthrottle/internal/transport"
)

// Options converts the policy section. Unset buckets keep the library
// defaults; a bucket with only one field set learns the other.
func (p Policy) Options(log zerolog.Logger, m *obs.PolicyMetrics) []policy.Option {
	rest, query := policy.DefaultREST, policy.DefaultQuery
	if p.REST != (Bucket{}) {
		rest = policy.BucketConfig{Capacity: p.REST.Capacity, LeakRate: p.REST.LeakRate}
	}
	if p.Query != (Bucket{}) {
		query = policy.BucketConfig{Capacity: p.Query.Capacity, LeakRate: p.Query.LeakRate}
	}
	return []policy.Option{
		policy.WithLocalBucketTracking(p.LocalBucketTracking()),
		policy.WithFailFast(p.FailFast),
		policy.WithRetryNonFullBucket(p.RetryNonFullBucket),
		policy.WithMaxRetryTime(p.MaxRetry()),
		policy.WithMinPollInterval(p.MinPoll()),
		policy.WithBuckets(rest, query),
		policy.WithLogger(log),
		policy.WithMetrics(m),
	}
}

// Build returns the configured execution policy.
func (p Policy) Build(log zerolog.Logger, m *obs.PolicyMetrics) policy.Policy {
	if p.Kind == PolicyNone {
		return policy.NoRetry{}
	}
	return policy.NewLeakyBucket(p.Options(log, m)...)
}

func (c Client) Config(log zerolog.Logger) client.Config {
	return client.Config{
		ShopURL:     c.ShopURL,
		AccessToken: c.AccessToken,
		QueryPath:   c.QueryPath,
		Transport: transport.Config{
			Timeout:      c.Timeout(),
			RetryMax:     c.RetryMax,
			RetryWaitMin: time.Duration(c.RetryWaitMinMS) * time.Millisecond,
			RetryWaitMax: time.Duration(c.RetryWaitMaxMS) * time.Millisecond,
			Logger:       log,
		},
	}
}

func (s Sandbox) Config(maxBody int64, log zerolog.Logger, m *obs.Metrics) sandbox.Config {
	tokens := make(map[string]string, len(s.Tokens))
	for _, t := range s.Tokens {
		tokens[t.Secret] = t.Shop
	}
	return sandbox.Config{
		REST:            ratelimit.Policy{Capacity: s.REST.Capacity, LeakRate: s.REST.LeakRate},
		Query:           ratelimit.Policy{Capacity: s.Query.Capacity, LeakRate: s.Query.LeakRate},
		ActualCostRatio: s.ActualCostRatio,
		Tokens:          tokens,
		TokenHeader:     s.TokenHeader,
		MaxBodyBytes:    maxBody,
		Logger:          log,
		Metrics:         m,
	}
}
