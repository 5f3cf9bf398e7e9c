// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the token lifetime used when a service does not
// configure one explicitly.
const DefaultTTL = 24 * time.Hour

// ErrInvalidToken is returned by Verify for any token that does not
// verify: bad signature, expired, malformed, or missing the user id
// claim. Callers treat all of these identically (authentication
// failed), so the distinction is only logged, never branched on.
var ErrInvalidToken = errors.New("accesstoken: invalid token")

// Claims is the verified content of an access token.
type Claims struct {
	// UserID identifies the account the token was minted for.
	UserID int64

	// Email is the account email at mint time. Informational only;
	// the authoritative record lives in the signaling database.
	Email string

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
}

// Issuer mints and verifies tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. ttl <= 0 selects DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("accesstoken: secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a signed token for the given user.
func (i *Issuer) Issue(userID int64, email string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"user_id": userID,
		"sub":     email,
		"iat":     now.Unix(),
		"exp":     now.Add(i.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("accesstoken: signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a token string and returns
// its claims. Any failure maps to ErrInvalidToken.
func (i *Issuer) Verify(tokenString string) (Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	// jwt decodes JSON numbers as float64. A user id above 2^53 would
	// lose precision here, but ids are SQLite rowids and never get
	// close.
	rawUserID, ok := mapClaims["user_id"].(float64)
	if !ok {
		return Claims{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}

	claims := Claims{UserID: int64(rawUserID)}
	if email, ok := mapClaims["sub"].(string); ok {
		claims.Email = email
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
