// Package principal picks the key the rate limiter buckets a request under.
package principal

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/live-gateway/pkg/gateway/auth"
	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
	"github.com/vango-go/live-gateway/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindSubject Kind = "subject"
	KindIP      Kind = "ip"
	KindAnon    Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier (subject or IP). It must not be logged.
	Raw string
	// Key is a hashed identifier suitable for in-memory maps.
	Key string
}

// Resolve prefers the authenticated subject and falls back to the client
// IP. The shared anonymous identity is bucketed by IP.
func Resolve(r *http.Request, trustProxyHeaders bool) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}

	if id, ok := auth.IdentityFrom(r.Context()); ok && id.Sub != oidc.Anonymous.Sub {
		return Resolved{
			Kind: KindSubject,
			Raw:  id.Sub,
			Key:  ratelimit.PrincipalKeyFromSubject(id.Sub),
		}
	}

	ip := ClientIP(r, trustProxyHeaders)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{
		Kind: KindIP,
		Raw:  ip,
		Key:  ratelimit.PrincipalKeyFromIP(ip),
	}
}

// ClientIP returns the normalized caller address. Forwarding headers are
// consulted only when the gateway sits behind a trusted proxy; the left-most
// X-Forwarded-For hop is the original client.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}
	var candidates []string
	if trustProxyHeaders {
		candidates = append(candidates,
			r.Header.Get("X-Real-IP"),
			strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0],
		)
	}
	candidates = append(candidates, r.RemoteAddr)

	for _, c := range candidates {
		if ip := normalizeIP(c); ip != "" {
			return ip
		}
	}
	return ""
}

// normalizeIP accepts "ip", "ip:port" and "[v6]:port".
func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().String()
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
