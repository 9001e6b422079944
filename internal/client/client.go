// Package client is the service-facing wrapper: it prepares REST and query
// calls for one shop and hands them to an execution policy.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/valyala/fastjson"

	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/policy"
	"github.com/AlexKimmel/shopthrottle/internal/transport"
)

const (
	DefaultQueryPath   = "/admin/api/graphql.json"
	DefaultTokenHeader = "X-Shopify-Access-Token"
)

type Config struct {
	ShopURL     string
	AccessToken string
	TokenHeader string
	QueryPath   string
	Transport   transport.Config
	// Sender replaces the HTTP sender built from Transport.
	Sender policy.Sender
}

type Client struct {
	token       string
	tokenHeader string
	queryPath   string
	sender      policy.Sender

	mu     sync.RWMutex
	policy policy.Policy
}

// New creates a client for one shop. A nil policy sends every call once.
func New(cfg Config, p policy.Policy) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("client: access token is required")
	}
	sender := cfg.Sender
	if sender == nil {
		if cfg.ShopURL == "" {
			return nil, fmt.Errorf("client: shop URL is required")
		}
		tc := cfg.Transport
		tc.BaseURL = cfg.ShopURL
		sender = transport.NewSender(tc)
	}
	if p == nil {
		p = policy.NoRetry{}
	}
	c := &Client{
		token:       cfg.AccessToken,
		tokenHeader: cfg.TokenHeader,
		queryPath:   cfg.QueryPath,
		sender:      sender,
		policy:      p,
	}
	if c.tokenHeader == "" {
		c.tokenHeader = DefaultTokenHeader
	}
	if c.queryPath == "" {
		c.queryPath = DefaultQueryPath
	}
	return c, nil
}

// SetPolicy swaps the execution policy for calls started afterwards.
func (c *Client) SetPolicy(p policy.Policy) {
	if p == nil {
		p = policy.NoRetry{}
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

func (c *Client) Policy() policy.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// REST performs a REST call costing one unit of the REST bucket.
func (c *Client) REST(ctx context.Context, method, path string, body []byte) (*policy.Response, error) {
	return c.Do(ctx, &policy.Request{
		Method: strings.ToUpper(method),
		Path:   path,
		Body:   body,
		Kind:   policy.KindREST,
	})
}

// Query posts a query with its declared cost. variables may be nil or a raw
// JSON object.
func (c *Client) Query(ctx context.Context, query string, variables []byte, cost float64) (*policy.Response, error) {
	var a fastjson.Arena
	body := a.NewObject()
	body.Set("query", a.NewString(query))
	if len(variables) > 0 {
		v, err := fastjson.ParseBytes(variables)
		if err != nil {
			return nil, fmt.Errorf("client: variables: %w", err)
		}
		if v.Type() != fastjson.TypeObject {
			return nil, fmt.Errorf("client: variables must be a JSON object")
		}
		body.Set("variables", v)
	}

	return c.Do(ctx, &policy.Request{
		Method: http.MethodPost,
		Path:   c.queryPath,
		Body:   body.MarshalTo(nil),
		Kind:   policy.KindQuery,
		Cost:   cost,
	})
}

// Do runs a prepared request through the current policy after adding
// the access token.
func (c *Client) Do(ctx context.Context, req *policy.Request) (*policy.Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set(c.tokenHeader, c.token)
	req.Key = c.token
	if req.RequestID == "" {
		if id, ok := obs.ReqIDFrom(ctx); ok {
			req.RequestID = id
		}
	}
	return c.Policy().Execute(ctx, req, c.sender)
}
