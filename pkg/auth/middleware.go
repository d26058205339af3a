package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sealgate/authgate/pkg/api"
	"github.com/sealgate/authgate/pkg/identity"
)

// publicPaths are endpoints that do not require a bearer token.
var publicPaths = map[string]bool{
	"/health":             true,
	"/v1/manifest/health": true,
	"/":                   true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// RegistryChecker confirms that the principal a validated token claims
// still exists in the identity registry and is active there. identity.Store
// implements this; a token surviving signature and expiry checks is not
// enough on its own — a deactivated agent, or an agent under a
// deactivated org, must stop authenticating immediately, not just once
// its token happens to expire.
type RegistryChecker interface {
	IsPrincipalActive(ctx context.Context, pType identity.PrincipalType, id, orgID string) (bool, error)
}

// Middleware authenticates every non-public request by validating its
// bearer token against tm and confirming the claimed principal is still
// active in registry, then injects a RequestPrincipal into the request
// context. If tm is nil, every non-public request is rejected — the
// gateway fails closed rather than running unauthenticated. A nil
// registry skips the registry check, which is only safe for tests that
// construct their own principals directly.
func Middleware(tm *identity.TokenManager, registry RegistryChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if tm == nil {
				api.WriteUnauthorized(w, "authentication not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "expected 'Bearer <token>' Authorization header")
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "invalid or expired token")
				return
			}
			if claims.Subject == "" || claims.OrgID == "" {
				api.WriteUnauthorized(w, "token missing subject or org binding")
				return
			}

			if registry != nil {
				active, err := registry.IsPrincipalActive(r.Context(), claims.Type, claims.Subject, claims.OrgID)
				if err != nil {
					api.WriteInternal(w, err)
					return
				}
				if !active {
					api.WriteUnauthorized(w, "principal is not active")
					return
				}
			}

			principal := &RequestPrincipal{
				SubjectID: claims.Subject,
				OrgID:     claims.OrgID,
				Type:      claims.Type,
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
