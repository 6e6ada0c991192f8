// Package auth carries the caller identity resolved from the session cookie
// through the request context.
package auth

import (
	"context"

	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
)

type ctxKey struct{}

func WithIdentity(ctx context.Context, id oidc.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity attached by the Identity middleware.
// The anonymous identity counts as present when auth is disabled.
func IdentityFrom(ctx context.Context) (oidc.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(oidc.Identity)
	return id, ok && id.Sub != ""
}
