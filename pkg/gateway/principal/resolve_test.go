package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/vango-go/live-gateway/pkg/gateway/auth"
	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
	"github.com/vango-go/live-gateway/pkg/gateway/ratelimit"
)

func TestResolve_PrefersSubject(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r = r.WithContext(auth.WithIdentity(r.Context(), oidc.Identity{Sub: "u-42"}))

	got := Resolve(r, false)
	if got.Kind != KindSubject || got.Key != ratelimit.PrincipalKeyFromSubject("u-42") {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestResolve_AnonymousFallsBackToIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	r = r.WithContext(auth.WithIdentity(r.Context(), oidc.Anonymous))

	got := Resolve(r, false)
	if got.Kind != KindIP || got.Raw != "192.0.2.7" {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestClientIP_ProxyHeadersOnlyWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if ip := ClientIP(r, false); ip != "10.0.0.1" {
		t.Fatalf("untrusted ip=%q", ip)
	}
	if ip := ClientIP(r, true); ip != "203.0.113.9" {
		t.Fatalf("trusted ip=%q", ip)
	}
	r.Header.Set("X-Real-IP", "198.51.100.3")
	if ip := ClientIP(r, true); ip != "198.51.100.3" {
		t.Fatalf("x-real-ip=%q", ip)
	}
}

func TestResolve_NoAddress(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = ""
	if got := Resolve(r, false); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestClientIP_Normalizes(t *testing.T) {
	cases := map[string]string{
		"[2001:db8::1]:443":     "2001:db8::1",
		"[::ffff:192.0.2.1]:80": "192.0.2.1",
		"192.0.2.5":             "192.0.2.5",
		"not-an-ip:80":          "",
	}
	for remote, want := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = remote
		if got := ClientIP(r, false); got != want {
			t.Fatalf("ClientIP(%q)=%q, want %q", remote, got, want)
		}
	}
}
