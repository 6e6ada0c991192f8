package oidc

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IsSecureRequest reports whether the browser reached us over TLS, directly
// or through a proxy that set X-Forwarded-Proto.
func IsSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0])
	return strings.EqualFold(proto, "https")
}

// BaseURL is scheme://host as seen by the browser.
func BaseURL(r *http.Request) string {
	scheme := "http"
	if IsSecureRequest(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (a *Authenticator) cookie(r *http.Request, name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if IsSecureRequest(r) {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (a *Authenticator) expiredCookie(r *http.Request, name string) *http.Cookie {
	c := a.cookie(r, name, "", 0)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

// SanitizeNext keeps only same-origin relative paths.
func SanitizeNext(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return next
}
