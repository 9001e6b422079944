// Package signals reads the remote's rate limit feedback out of responses.
package signals

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

const (
	HeaderCallLimit  = "X-Shopify-Shop-Api-Call-Limit"
	HeaderRetryAfter = "Retry-After"
)

// CallLimit is the REST bucket usage header, "used/max".
type CallLimit struct {
	Used float64
	Max  float64
}

// Full reports whether cost more calls would overflow the bucket.
func (c CallLimit) Full(cost float64) bool {
	return c.Used+cost > c.Max
}

func ParseCallLimit(h http.Header) (CallLimit, bool) {
	raw := strings.TrimSpace(h.Get(HeaderCallLimit))
	used, limit, ok := strings.Cut(raw, "/")
	if !ok {
		return CallLimit{}, false
	}
	u, err := strconv.ParseFloat(strings.TrimSpace(used), 64)
	if err != nil || u < 0 {
		return CallLimit{}, false
	}
	m, err := strconv.ParseFloat(strings.TrimSpace(limit), 64)
	if err != nil || m <= 0 {
		return CallLimit{}, false
	}
	return CallLimit{Used: u, Max: m}, true
}

// ParseRetryAfter accepts delta seconds (integer or decimal, the remote sends
// "2.0") or an HTTP date.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// QueryCost is the cost block of a cost-scored query response
// (extensions.cost).
type QueryCost struct {
	Requested   float64
	Actual      float64
	HasActual   bool
	Maximum     float64
	Available   float64
	RestoreRate float64
}

// Fill converts the remote's "currently available" into consumed units.
func (c QueryCost) Fill() float64 {
	return c.Maximum - c.Available
}

// QueryResult is what the policy needs from a query response body.
type QueryResult struct {
	Cost      QueryCost
	HasCost   bool
	Throttled bool

	// MaxCostExceeded is set when the remote refused the query for costing
	// more than its bucket can ever hold.
	MaxCostExceeded bool
	Errors          []string
}

// ParseQuery reads the cost extension, throttling marker and error messages
// from a query response. Bodies that are not a JSON object return an error.
func ParseQuery(body []byte) (QueryResult, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return QueryResult{}, err
	}
	if _, err := v.Object(); err != nil {
		return QueryResult{}, err
	}

	var res QueryResult
	if cost := v.Get("extensions", "cost"); cost != nil {
		ts := cost.Get("throttleStatus")
		if ts != nil {
			res.HasCost = true
			res.Cost.Maximum = ts.GetFloat64("maximumAvailable")
			res.Cost.Available = ts.GetFloat64("currentlyAvailable")
			res.Cost.RestoreRate = ts.GetFloat64("restoreRate")
		}
		res.Cost.Requested = cost.GetFloat64("requestedQueryCost")
		if a := cost.Get("actualQueryCost"); a != nil && a.Type() == fastjson.TypeNumber {
			res.Cost.Actual = a.GetFloat64()
			res.Cost.HasActual = true
		}
	}

	for _, e := range v.GetArray("errors") {
		code := string(e.GetStringBytes("extensions", "code"))
		msg := string(e.GetStringBytes("message"))
		if strings.EqualFold(code, "THROTTLED") || strings.EqualFold(msg, "Throttled") {
			res.Throttled = true
			continue
		}
		if strings.EqualFold(code, "MAX_COST_EXCEEDED") {
			res.MaxCostExceeded = true
		}
		if msg == "" {
			msg = e.String()
		}
		res.Errors = append(res.Errors, msg)
	}
	return res, nil
}
