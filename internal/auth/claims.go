package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the backend embeds in an access token.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid,omitempty"`
}

// InspectToken parses a bearer token without verifying its signature. The
// client has no signing key; it only needs the expiry and subject to decide
// whether to dial or refresh first. Verification stays server-side.
func InspectToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("inspect token: %w", err)
	}
	return claims, nil
}

// Expired reports whether the token's expiry has passed, with a small skew
// margin so a token about to lapse does not get used for a fresh dial.
func (c *Claims) Expired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	const skew = 30 * time.Second
	return !now.Add(skew).Before(c.ExpiresAt.Time)
}
