package sandbox

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/valyala/fastjson"

	"github.com/AlexKimmel/shopthrottle/internal/auth"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
	"github.com/AlexKimmel/shopthrottle/internal/routing"
)

func (s *Server) serveREST(w http.ResponseWriter, r *http.Request) {
	shop, _ := auth.KeyIDFrom(r.Context())

	var a fastjson.Arena
	if raw := r.Header.Get(HeaderStatus); raw != "" {
		code, err := strconv.Atoi(raw)
		if err == nil && code >= 400 && code < 600 {
			errs := a.NewObject()
			base := a.NewArray()
			base.SetArrayItem(0, a.NewString("injected failure"))
			errs.Set("base", base)
			body := a.NewObject()
			body.Set("errors", errs)
			write(w, code, body)
			return
		}
	}

	shopObj := a.NewObject()
	shopObj.Set("id", a.NewString(shop))
	body := a.NewObject()
	body.Set("shop", shopObj)
	body.Set("method", a.NewString(r.Method))
	body.Set("path", a.NewString(r.URL.Path))
	write(w, http.StatusOK, body)
}

func (s *Server) serveQuery(w http.ResponseWriter, r *http.Request) {
	var a fastjson.Arena
	invalid := func() {
		errs := a.NewObject()
		msgs := a.NewArray()
		msgs.SetArrayItem(0, a.NewString("Required parameter missing or invalid"))
		errs.Set("query", msgs)
		body := a.NewObject()
		body.Set("errors", errs)
		write(w, http.StatusBadRequest, body)
	}

	if r.Method != http.MethodPost {
		invalid()
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		invalid()
		return
	}
	v, err := fastjson.ParseBytes(raw)
	if err != nil || v.Type() != fastjson.TypeObject {
		invalid()
		return
	}
	query := string(v.GetStringBytes("query"))
	if strings.TrimSpace(query) == "" {
		invalid()
		return
	}

	requested := requestedCost(r, query)
	shop, _ := auth.KeyIDFrom(r.Context())
	p := s.cfg.Query
	if rt, ok := routing.RouteFrom(r); ok && rt.Limit.Capacity > 0 {
		p = rt.Limit
	}
	key := "graphql:" + shop
	log := hlog.FromRequest(r)

	if requested > p.Capacity {
		dec, _ := s.lim.Refund(r.Context(), key, 0, p)
		body := a.NewObject()
		body.Set("errors", errorList(&a, "MAX_COST_EXCEEDED",
			"Query has complexity of "+fmtCost(requested)+", which exceeds max complexity of "+fmtCost(p.Capacity)))
		body.Set("extensions", costExtension(&a, requested, nil, dec, p))
		write(w, http.StatusOK, body)
		return
	}

	dec, err := s.lim.Allow(r.Context(), key, requested, p)
	if err != nil {
		if m := s.cfg.Metrics; m != nil {
			m.LimiterErrors.WithLabelValues("graphql").Inc()
		}
		write(w, http.StatusInternalServerError, errorBody(&a, "internal rate limiter error"))
		return
	}
	if !dec.Allowed {
		if m := s.cfg.Metrics; m != nil {
			m.RateLimited.WithLabelValues("graphql").Inc()
		}
		log.Debug().Str("shop", shop).Float64("requested", requested).Float64("available", dec.Available()).Msg("query throttled")
		body := a.NewObject()
		body.Set("errors", errorList(&a, "THROTTLED", "Throttled"))
		body.Set("extensions", costExtension(&a, requested, nil, dec, p))
		write(w, http.StatusOK, body)
		return
	}

	actual := math.Min(requested, math.Ceil(requested*s.cfg.ActualCostRatio))
	if actual < requested {
		dec, _ = s.lim.Refund(r.Context(), key, requested-actual, p)
	}
	if m := s.cfg.Metrics; m != nil {
		m.QueryCost.WithLabelValues("graphql").Observe(actual)
	}

	shopObj := a.NewObject()
	shopObj.Set("name", a.NewString(shop))
	data := a.NewObject()
	data.Set("shop", shopObj)
	body := a.NewObject()
	body.Set("data", data)
	body.Set("extensions", costExtension(&a, requested, &actual, dec, p))
	write(w, http.StatusOK, body)
}

// requestedCost takes the pinned cost header, or counts selection sets.
func requestedCost(r *http.Request, query string) float64 {
	if raw := r.Header.Get(HeaderQueryCost); raw != "" {
		if c, err := strconv.ParseFloat(raw, 64); err == nil && c > 0 {
			return c
		}
	}
	return math.Max(1, float64(strings.Count(query, "{")))
}

func costExtension(a *fastjson.Arena, requested float64, actual *float64, dec ratelimit.Decision, p ratelimit.Policy) *fastjson.Value {
	ts := a.NewObject()
	ts.Set("maximumAvailable", a.NewNumberFloat64(p.Capacity))
	ts.Set("currentlyAvailable", a.NewNumberFloat64(math.Floor(math.Max(0, p.Capacity-dec.Used))))
	ts.Set("restoreRate", a.NewNumberFloat64(p.LeakRate))

	cost := a.NewObject()
	cost.Set("requestedQueryCost", a.NewNumberFloat64(requested))
	if actual != nil {
		cost.Set("actualQueryCost", a.NewNumberFloat64(*actual))
	} else {
		cost.Set("actualQueryCost", a.NewNull())
	}
	cost.Set("throttleStatus", ts)

	ext := a.NewObject()
	ext.Set("cost", cost)
	return ext
}

func errorList(a *fastjson.Arena, code, msg string) *fastjson.Value {
	ext := a.NewObject()
	ext.Set("code", a.NewString(code))
	e := a.NewObject()
	e.Set("message", a.NewString(msg))
	e.Set("extensions", ext)
	list := a.NewArray()
	list.SetArrayItem(0, e)
	return list
}

func errorBody(a *fastjson.Arena, msg string) *fastjson.Value {
	body := a.NewObject()
	body.Set("errors", a.NewString(msg))
	return body
}

func fmtCost(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func write(w http.ResponseWriter, code int, body *fastjson.Value) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body.MarshalTo(nil))
}
