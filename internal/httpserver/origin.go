package httpserver

import (
	"net/http"
	"strings"

	"github.com/signalmesh/relay/internal/origin"
)

// originMiddleware enforces the browser-origin allowlist on every route.
// Requests without an Origin header (curl, server-to-server pollers) pass
// untouched.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalized, originHost, ok := origin.Normalize(originHeader)
			if !ok || !origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			// Only send CORS headers when the browser sends an Origin header.
			// Same-origin requests don't require them, but setting them is
			// harmless and lets the frontend run on a separate origin during
			// development.
			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			// Basic preflight support for browser clients. The per-route
			// handler doesn't need to run for preflight.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
