package middleware

import (
	"context"

	"github.com/chorusrelay/chorus/internal/core"
)

// Principal is the authenticated caller of a /v1 request.
type Principal struct {
	Subject string
	Tier    core.Tier
}

type principalContextKey struct{}

// WithPrincipal stores the caller on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the caller stored by the authentication middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok && p.Subject != ""
}
