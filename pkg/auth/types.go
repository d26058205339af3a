// Package auth wires identity.TokenManager into the HTTP layer: it parses
// the Authorization header, validates the bearer token, and injects a
// request-scoped principal that downstream handlers and the rate limiter
// key off of.
package auth

import "github.com/sealgate/authgate/pkg/identity"

// RequestPrincipal is the authenticated caller for one HTTP request,
// projected from the bearer token's claims.
type RequestPrincipal struct {
	SubjectID string
	OrgID     string
	Type      identity.PrincipalType
}
