// Package identity issues and validates the bearer tokens organizations
// and agents use to authenticate to the gateway.
// Token signing follows the same rotation-safe pattern as the seal
// engine: the KeySet holds every still-valid key by kid, so verification
// never breaks for a token issued under a key that has since rotated out
// of use for new signing.
package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extends the standard registered claims with the fields the
// gateway's auth middleware needs to build a request-scoped principal.
type Claims struct {
	jwt.RegisteredClaims
	Type  PrincipalType `json:"type"`
	OrgID string        `json:"org_id"`
}

// TokenManager issues and validates bearer tokens for organizations and
// agents.
type TokenManager struct {
	keySet KeySet
	issuer string
}

// NewTokenManager constructs a token manager bound to a key set.
func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, issuer: "authgate"}
}

// IssueToken signs a bearer token for p, valid for duration.
func (tm *TokenManager) IssueToken(p Principal, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.ID(),
			Subject:   p.ID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{"authgate.internal"},
		},
		Type:  p.Type(),
		OrgID: p.OrgID(),
	}
	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and verifies a bearer token string.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keySet.KeyFunc())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
