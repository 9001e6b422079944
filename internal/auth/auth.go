package auth

import (
	"context"
	"net/http"
	"strings"
)

const DefaultHeader = "X-Shopify-Access-Token"

type ctxKey int

const keyID ctxKey = 0

// Store is a static in-memory token store: access token -> shop ID.
type Store struct {
	header  string
	byToken map[string]string
}

// NewStatic creates a new static token store. An empty header means
// DefaultHeader.
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = DefaultHeader
	}
	return &Store{header: h, byToken: pairs}
}

func (s *Store) Header() string { return s.header }

func (s *Store) shopFor(token string) (string, bool) {
	id, ok := s.byToken[token]
	return id, ok
}

// WithKeyID injects the shop ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the shop ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware rejects requests without a known access token.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimSpace(r.Header.Get(hname))
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, "[API] Missing access token in "+hname)
				return
			}
			id, ok := s.shopFor(token)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "[API] Invalid API key or access token (unrecognized login or wrong password)")
				return
			}
			ctx := WithKeyID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"errors":"` + msg + `"}`))
}
