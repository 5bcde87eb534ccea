// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL bounds how long a service token stays valid
const DefaultTokenTTL = 5 * time.Minute

// TokenSigner mints short-lived HS256 service tokens. The audience is the
// agent the token is meant for.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. Returns nil for an empty secret, which
// disables service auth.
func NewTokenSigner(secret, issuer string, ttl time.Duration) *TokenSigner {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSigner{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Sign returns a token for audience
func (s *TokenSigner) Sign(audience string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return token, nil
}

// TokenVerifier checks service tokens presented to one agent
type TokenVerifier struct {
	secret   []byte
	audience string
}

// ErrInvalidToken is returned for any token that fails verification
var ErrInvalidToken = errors.New("invalid service token")

// NewTokenVerifier creates a verifier. Returns nil for an empty secret.
func NewTokenVerifier(secret, audience string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret), audience: audience}
}

// Verify parses token and checks signature, expiry and audience
func (v *TokenVerifier) Verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
