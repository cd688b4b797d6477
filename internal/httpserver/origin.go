package httpserver

import (
	"net/http"
	"strings"

	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/origin"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				// Native clients and curl don't send Origin; they are never
				// origin-filtered.
				next.ServeHTTP(w, r)
				return
			}

			normalized, ok := origin.Normalize(originHeader)
			if !ok || !s.cfg.AllowedOrigins.Allows(originHeader) {
				s.metrics.Inc(metrics.DropReasonBadOrigin)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			// CORS headers only go out when the browser sent an Origin header.
			// Same-origin requests don't need them, but answering them makes it
			// possible to run a web client on a separate origin.
			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			// Preflight support for browser clients. The per-route handler does
			// not need to run for preflight.
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
