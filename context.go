package admission

import "context"

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying the authenticated principal.
// Authentication middleware calls this before the admission middleware runs.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}
