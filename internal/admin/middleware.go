package admin

import (
	"net/http"
)

// allowOnlyIPs rejects requests whose client IP matches neither an exact
// entry nor a CIDR in allowed; an empty list is passthrough, grounded on
// `_examples/MrSnakeDoc-jump-blueprint/internal/httpserver/mw/allowOnlyIPs.go`'s
// AllowOnlyCIDRS.
func allowOnlyIPs(allowed []string) func(http.Handler) http.Handler {
	m := newIPMatcher(allowed)
	if m.isEmpty() {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.allow(clientIP(r)) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireBearerToken rejects requests missing or mismatching the
// configured Authorization bearer token (spec.md §6: "401 on missing/bad
// token"). An empty token is passthrough.
func requireBearerToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := "Bearer " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != want {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
