package gateway

import (
	"math"
	"net/http"
	"strconv"

	"github.com/AlexKimmel/shopthrottle/internal/auth"
	"github.com/AlexKimmel/shopthrottle/internal/ratelimit"
	"github.com/AlexKimmel/shopthrottle/internal/routing"
	"github.com/AlexKimmel/shopthrottle/internal/signals"
)

// ThrottledMessage is the body of a REST 429, as the real remote words it.
const ThrottledMessage = "Exceeded 2 calls per second for api client. Reduce request rates to resume uninterrupted service."

// RateLimit charges every REST call one unit against the caller's bucket and
// reports usage in the call limit header. Query routes pass through; their
// handler charges by cost.
func RateLimit(
	lim ratelimit.Limiter,
	policy ratelimit.Policy,
	skipPaths map[string]struct{},
	onLimited func(routeID string),
	onError func(routeID string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, _ := routing.RouteFrom(r)
			if rt != nil && rt.Kind == routing.KindQuery {
				next.ServeHTTP(w, r)
				return
			}

			keyID, ok := auth.KeyIDFrom(r.Context())
			if !ok || keyID == "" {
				keyID = "anon"
			}

			routeID := "unknown"
			p := policy
			if rt != nil {
				routeID = rt.ID
				if rt.Limit.Capacity > 0 {
					p = rt.Limit
				}
			}

			dec, err := lim.Allow(r.Context(), routeID+":"+keyID, 1, p)
			if err != nil {
				if onError != nil {
					onError(routeID)
				}
				writeJSON(w, http.StatusInternalServerError, "internal rate limiter error")
				return
			}

			if dec.Limit > 0 {
				w.Header().Set(signals.HeaderCallLimit, CallLimit(dec))
			}

			if !dec.Allowed {
				if onLimited != nil {
					onLimited(routeID)
				}
				w.Header().Set(signals.HeaderRetryAfter, RetryAfter(dec))
				writeJSON(w, http.StatusTooManyRequests, ThrottledMessage)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CallLimit renders "used/max" with the fill rounded up to whole calls.
func CallLimit(d ratelimit.Decision) string {
	used := int64(math.Ceil(d.Used))
	return fmtInt(used) + "/" + fmtInt(int64(d.Limit))
}

// RetryAfter renders the wait in seconds with one decimal, rounded up.
func RetryAfter(d ratelimit.Decision) string {
	secs := math.Ceil(d.RetryAfter.Seconds()*10) / 10
	return strconv.FormatFloat(secs, 'f', 1, 64)
}

func fmtInt(i int64) string {
	var buf [32]byte
	return string(strconv.AppendInt(buf[:0], i, 10))
}

func writeJSON(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"errors":"` + msg + `"}`))
}
