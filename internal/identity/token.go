// Package identity mints and validates the bearer JWTs issued at magic-link
// verification (spec.md §4.7). Claims carry only a subject email; this
// system has no tenancy or role model, unlike the multi-tenant claims shape
// it was adapted from.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload minted for a verified magic-link login.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager signs and validates bearer tokens against a KeySet.
type TokenManager struct {
	keySet KeySet
	issuer string
}

// NewTokenManager constructs a TokenManager that signs tokens as issuer.
func NewTokenManager(ks KeySet, issuer string) *TokenManager {
	return &TokenManager{keySet: ks, issuer: issuer}
}

// GenerateToken mints a bearer token for email, valid for duration.
func (tm *TokenManager) GenerateToken(email string, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    tm.issuer,
		},
	}
	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and validates tokenString, returning the bound
// email (the JWT subject) on success.
func (tm *TokenManager) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, tm.keySet.KeyFunc())
	if err != nil {
		return "", fmt.Errorf("identity: validate token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("identity: token has no subject")
	}
	return claims.Subject, nil
}
