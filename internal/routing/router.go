// Package routing maps sandbox request paths to the bucket they charge.
package routing

import (
	"context"
	"net/http"
	"strings"

	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
)

type Kind int

const (
	KindREST Kind = iota
	KindQuery
)

type Route struct {
	ID      string
	Kind    Kind
	Methods map[string]struct{} // empty matches any method
	Prefix  string
	// Limit overrides the server default for this route when Capacity > 0.
	Limit ratelimit.Policy
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// Add appends a route. Routes match in the order they were added.
func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// Methods builds a method set.
func Methods(ms ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		out[strings.ToUpper(m)] = struct{}{}
	}
	return out
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
