// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package auth validates client access tokens. Sessions carry the opaque
// identity it produces; nothing downstream inspects the token again.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails validation:
// bad signature, expired, or missing claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the validated result of token authentication.
type Identity struct {
	// UserID is the internal user identifier.
	UserID string

	// ExternalID is the user's platform identity (e.g. a Steam id), used
	// for tribe membership lookups.
	ExternalID string
}

// Service authenticates access tokens. Implementations must be safe for
// concurrent use.
type Service interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT claim set issued for tile stream access.
type Claims struct {
	ExternalID string `json:"external_id"`
	jwt.RegisteredClaims
}

// JWTService validates HS256-signed access tokens carrying the user id in
// the subject claim and the platform identity in external_id.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a token validator with the given signing secret.
func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth: signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &JWTService{secret: secret}, nil
}

// Authenticate implements Service.
func (s *JWTService) Authenticate(_ context.Context, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: claims.Subject, ExternalID: claims.ExternalID}, nil
}

// IssueToken signs an access token for the given identity. Primarily used
// by tests and tooling; production tokens come from the platform's
// identity service using the same secret.
func (s *JWTService) IssueToken(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ExternalID: identity.ExternalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
