package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches an authenticated principal to the context.
func WithPrincipal(ctx context.Context, p *RequestPrincipal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the principal the auth middleware put in the
// request context.
func GetPrincipal(ctx context.Context) (*RequestPrincipal, error) {
	p, ok := ctx.Value(principalKey).(*RequestPrincipal)
	if !ok || p == nil {
		return nil, errors.New("auth: no principal in context")
	}
	return p, nil
}

// GetOrgID is a helper to read the org ID off the context's principal.
func GetOrgID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.OrgID, nil
}
