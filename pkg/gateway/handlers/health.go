package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
)

// Only these request headers are logged by health probes.
var healthHeaderAllowlist = []string{
	"User-Agent",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Cloud-Trace-Context",
}

type statusResp struct {
	Status string `json:"status"`
}

// HealthHandler answers liveness probes. When Logger is set each probe is
// logged with the allowlisted headers.
type HealthHandler struct {
	Logger *slog.Logger
	Name   string
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Logger != nil {
		name := h.Name
		if name == "" {
			name = "healthz"
		}
		h.Logger.Info(name+" called", "headers", probeHeaders(r))
	}
	writeJSON(w, http.StatusOK, statusResp{Status: "ok"})
}

func probeHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(healthHeaderAllowlist)+1)
	if r.Host != "" {
		out["host"] = r.Host
	}
	for _, k := range healthHeaderAllowlist {
		if v := r.Header.Get(k); v != "" {
			out[http.CanonicalHeaderKey(k)] = v
		}
	}
	return out
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Auth      *oidc.Authenticator
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining,omitempty"`
		DrainingFor string   `json:"draining_for,omitempty"`
		AuthEnabled bool     `json:"auth_enabled"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if h.Config.OIDC.Enabled && !h.Auth.Ready() {
		issues = append(issues, "oidc is enabled but not fully configured")
	}
	if h.Config.LiveOutboundQueueSize <= 0 || h.Config.LiveMaxMessageBytes <= 0 {
		issues = append(issues, "live connection limits must be > 0")
	}
	draining := h.Lifecycle.IsDraining()
	var drainingFor string
	if since := h.Lifecycle.DrainingSince(); draining && !since.IsZero() {
		drainingFor = time.Since(since).Round(time.Millisecond).String()
	}

	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case len(issues) > 0:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, readyResp{
		OK:          status == http.StatusOK,
		Draining:    draining,
		DrainingFor: drainingFor,
		AuthEnabled: h.Config.OIDC.Enabled,
		Issues:      issues,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
