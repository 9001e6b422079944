package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr" toml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" toml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`             // "debug","info","warn","error"
	Pretty         bool   `yaml:"pretty" toml:"pretty"`                   // console output instead of JSON
	PrometheusPath string `yaml:"prometheus_path" toml:"prometheus_path"` // e.g. "/metrics"
}

// Bucket seeds one bucket. Zero fields are learned from the remote.
type Bucket struct {
	Capacity float64 `yaml:"capacity" toml:"capacity"`
	LeakRate float64 `yaml:"leak_rate" toml:"leak_rate"`
}

const (
	PolicyNone        = "none"
	PolicyLeakyBucket = "leaky_bucket"
)

type Policy struct {
	Kind string `yaml:"kind" toml:"kind"`
	// nil means on
	UseLocalBucketTracking *bool  `yaml:"use_local_bucket_tracking" toml:"use_local_bucket_tracking"`
	FailFast               bool   `yaml:"fail_fast" toml:"fail_fast"`
	RetryNonFullBucket     bool   `yaml:"retry_non_full_bucket" toml:"retry_non_full_bucket"`
	MaxRetryMS             int    `yaml:"max_retry_ms" toml:"max_retry_ms"`
	MinPollMS              int    `yaml:"min_poll_ms" toml:"min_poll_ms"`
	REST                   Bucket `yaml:"rest" toml:"rest"`
	Query                  Bucket `yaml:"query" toml:"query"`
}

type Client struct {
	ShopURL        string `yaml:"shop_url" toml:"shop_url"`
	AccessToken    string `yaml:"access_token" toml:"access_token"`
	QueryPath      string `yaml:"query_path" toml:"query_path"`
	TimeoutMS      int    `yaml:"timeout_ms" toml:"timeout_ms"`
	RetryMax       int    `yaml:"retry_max" toml:"retry_max"`
	RetryWaitMinMS int    `yaml:"retry_wait_min_ms" toml:"retry_wait_min_ms"`
	RetryWaitMaxMS int    `yaml:"retry_wait_max_ms" toml:"retry_wait_max_ms"`
}

type Token struct {
	Shop   string `yaml:"shop" toml:"shop"`
	Secret string `yaml:"secret" toml:"secret"`
}

type Sandbox struct {
	TokenHeader     string  `yaml:"token_header" toml:"token_header"`
	Tokens          []Token `yaml:"tokens" toml:"tokens"`
	REST            Bucket  `yaml:"rest" toml:"rest"`
	Query           Bucket  `yaml:"query" toml:"query"`
	ActualCostRatio float64 `yaml:"actual_cost_ratio" toml:"actual_cost_ratio"`
}

type Root struct {
	Server        Server        `yaml:"server" toml:"server"`
	Observability Observability `yaml:"observability" toml:"observability"`
	Client        Client        `yaml:"client" toml:"client"`
	Policy        Policy        `yaml:"policy" toml:"policy"`
	Sandbox       Sandbox       `yaml:"sandbox" toml:"sandbox"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (c Client) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (p Policy) LocalBucketTracking() bool {
	return p.UseLocalBucketTracking == nil || *p.UseLocalBucketTracking
}

func (p Policy) MaxRetry() time.Duration {
	return time.Duration(p.MaxRetryMS) * time.Millisecond
}

func (p Policy) MinPoll() time.Duration {
	return time.Duration(p.MinPollMS) * time.Millisecond
}

// Load reads a YAML or TOML file (by extension), applies defaults and
// validates the result.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes b as TOML when ext is ".toml" and as YAML otherwise.
func Parse(b []byte, ext string) (*Root, error) {
	var cfg Root
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) setDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Policy.Kind == "" {
		cfg.Policy.Kind = PolicyLeakyBucket
	}
	if cfg.Client.RetryMax <= 0 {
		cfg.Client.RetryMax = 3
	}
	if cfg.Sandbox.ActualCostRatio <= 0 {
		cfg.Sandbox.ActualCostRatio = 1
	}
}

// Validate reports every problem at once.
func (cfg *Root) Validate() error {
	var err error
	switch cfg.Policy.Kind {
	case PolicyNone, PolicyLeakyBucket:
	default:
		err = multierr.Append(err, fmt.Errorf("policy.kind: unknown %q (want %s or %s)", cfg.Policy.Kind, PolicyNone, PolicyLeakyBucket))
	}
	err = multierr.Append(err, cfg.Policy.REST.validate("policy.rest"))
	err = multierr.Append(err, cfg.Policy.Query.validate("policy.query"))
	err = multierr.Append(err, cfg.Sandbox.REST.validate("sandbox.rest"))
	err = multierr.Append(err, cfg.Sandbox.Query.validate("sandbox.query"))
	if cfg.Policy.MaxRetryMS < 0 {
		err = multierr.Append(err, fmt.Errorf("policy.max_retry_ms: must not be negative"))
	}
	if cfg.Policy.MinPollMS < 0 {
		err = multierr.Append(err, fmt.Errorf("policy.min_poll_ms: must not be negative"))
	}
	if cfg.Sandbox.ActualCostRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("sandbox.actual_cost_ratio: must be at most 1"))
	}
	for i, t := range cfg.Sandbox.Tokens {
		if t.Shop == "" || t.Secret == "" {
			err = multierr.Append(err, fmt.Errorf("sandbox.tokens[%d]: shop and secret are required", i))
		}
	}
	return err
}

func (b Bucket) validate(field string) error {
	var err error
	if b.Capacity < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.capacity: must not be negative", field))
	}
	if b.LeakRate < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.leak_rate: must not be negative", field))
	}
	return err
}
