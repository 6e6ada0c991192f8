package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/live-gateway/pkg/gateway/config"
)

var corsAllowedMethods = "GET, POST, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
}, ", ")

var corsExposedHeaders = "X-Request-ID"

// CORS applies the resolved origin policy. With credentials the origin is
// echoed back; a wildcard is only used for anonymous deployments.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	allowOrigin := func(origin string) (string, bool) {
		if origin == "" {
			return "", false
		}
		if _, ok := allowed[strings.TrimRight(origin, "/")]; ok {
			return origin, true
		}
		if cfg.CORSAllowAll {
			if cfg.CORSAllowCredentials {
				return origin, true
			}
			return "*", true
		}
		return "", false
	}
	setCommon := func(w http.ResponseWriter, value string) {
		w.Header().Set("Access-Control-Allow-Origin", value)
		if value != "*" {
			w.Header().Add("Vary", "Origin")
		}
		if cfg.CORSAllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		// Preflight: explicitly allow/deny so browser callers get deterministic behavior.
		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			value, ok := allowOrigin(origin)
			if !ok {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			setCommon(w, value)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if value, ok := allowOrigin(origin); ok {
			setCommon(w, value)
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}

		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether a WebSocket handshake from origin passes the
// same policy. Non-browser clients send no Origin and are allowed.
func OriginAllowed(cfg config.Config, origin string) bool {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" || cfg.CORSAllowAll {
		return true
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}
