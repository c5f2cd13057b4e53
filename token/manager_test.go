package token

import (
	"errors"
	"testing"
	"time"

	"github.com/getaccounts/accounts/domain"
)

func TestRoundTrip(t *testing.T) {
	m, err := NewManager(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	access, err := m.GenerateAccess(domain.TokenClaims{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("failed to generate access token: %v", err)
	}
	claims, err := m.DecodeAccess(access)
	if err != nil {
		t.Fatalf("failed to decode access token: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("expected session id sess-1, got %q", claims.SessionID)
	}
	if claims.IsImpersonated {
		t.Error("expected is_impersonated to be false")
	}

	refresh, err := m.GenerateRefresh(domain.TokenClaims{SessionID: "sess-1", IsImpersonated: true})
	if err != nil {
		t.Fatalf("failed to generate refresh token: %v", err)
	}
	claims, err = m.DecodeRefresh(refresh)
	if err != nil {
		t.Fatalf("failed to decode refresh token: %v", err)
	}
	if !claims.IsImpersonated {
		t.Error("expected is_impersonated to be true")
	}
}

func TestRequiresSecret(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error for missing secret, got nil")
	}
}

func TestRejectsWrongSecret(t *testing.T) {
	m1, _ := NewManager(Config{Secret: "secret-one"})
	m2, _ := NewManager(Config{Secret: "secret-two"})

	token, err := m1.GenerateAccess(domain.TokenClaims{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if _, err := m2.DecodeAccess(token); err == nil {
		t.Fatal("expected error for token signed with another secret, got nil")
	}
}

func TestExpiredToken(t *testing.T) {
	m, _ := NewManager(Config{Secret: "test-secret", AccessExpiry: -time.Minute})

	token, err := m.GenerateAccess(domain.TokenClaims{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := m.DecodeAccess(token); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	// DecodeExpired still recovers the session id for the refresh flow.
	claims, err := m.DecodeExpired(token)
	if err != nil {
		t.Fatalf("failed to decode expired token: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("expected session id sess-1, got %q", claims.SessionID)
	}
}
