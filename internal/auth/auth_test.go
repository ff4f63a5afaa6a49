// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) *JWTService {
	t.Helper()
	svc, err := NewJWTService(testSecret)
	if err != nil {
		t.Fatalf("NewJWTService: %v", err)
	}
	return svc
}

func TestNewJWTServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTService([]byte("short")); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestAuthenticateValidToken(t *testing.T) {
	svc := newTestService(t)
	want := Identity{UserID: "user-1", ExternalID: "steam-123"}

	token, err := svc.IssueToken(want, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	got, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got != want {
		t.Errorf("identity = %+v, want %+v", got, want)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.IssueToken(Identity{UserID: "user-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewJWTService([]byte(strings.Repeat("x", 32)))
	if err != nil {
		t.Fatalf("NewJWTService: %v", err)
	}

	token, err := other.IssueToken(Identity{UserID: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	svc := newTestService(t)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: err = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.IssueToken(Identity{ExternalID: "steam-123"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
