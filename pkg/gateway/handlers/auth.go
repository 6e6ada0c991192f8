package handlers

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/live-gateway/pkg/gateway/mw"
	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
)

// AuthHandler serves the browser login endpoints.
type AuthHandler struct {
	Auth   *oidc.Authenticator
	Logger *slog.Logger
}

type meResp struct {
	Enabled       bool           `json:"enabled"`
	Authenticated bool           `json:"authenticated"`
	User          *oidc.Identity `json:"user"`
}

func (h AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	if !h.Auth.Enabled() {
		anon := oidc.Anonymous
		writeJSON(w, http.StatusOK, meResp{Enabled: false, Authenticated: true, User: &anon})
		return
	}
	resp := meResp{Enabled: true}
	if id, ok := h.Auth.CurrentUser(r); ok {
		resp.Authenticated = true
		resp.User = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	redirect, stateCookie, err := h.Auth.BeginLogin(r.Context(), r, r.URL.Query().Get("next"))
	if err != nil {
		h.fail(w, r, "oidc login failed", err)
		return
	}
	http.SetCookie(w, stateCookie)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.Auth.CompleteLogin(r.Context(), r, q.Get("code"), q.Get("state"))
	if err != nil {
		h.fail(w, r, "oidc callback failed", err)
		return
	}
	http.SetCookie(w, res.ClearState)
	http.SetCookie(w, res.SessionCookie)
	if h.Logger != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		h.Logger.Info("user signed in", "request_id", reqID, "sub", res.Identity.Sub)
	}
	http.Redirect(w, r, res.Next, http.StatusFound)
}

func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.Auth.LogoutCookies(r) {
		http.SetCookie(w, c)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h AuthHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := oidc.StatusCode(err)
	if h.Logger != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.Logger.Log(r.Context(), level, msg, "request_id", reqID, "error", err)
	}
	mw.WriteJSONError(w, status, oidc.UserMessage(err))
}
