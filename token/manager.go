// Package token implements the signed access/refresh token codec used by
// the accounts server.
//
// Tokens are HS256 JWTs whose only semantic content is the session id
// (plus an impersonation flag). They are capability references: a token
// proves nothing alone and must resolve to a live, valid session row.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/getaccounts/accounts/domain"
)

const (
	// DefaultAccessExpiry is the validity window for access tokens.
	DefaultAccessExpiry = 90 * time.Minute
	// DefaultRefreshExpiry is the validity window for refresh tokens.
	DefaultRefreshExpiry = 7 * 24 * time.Hour
)

type claims struct {
	SessionID      string `json:"session_id"`
	IsImpersonated bool   `json:"is_impersonated,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the secret and expiry windows for a Manager. A zero expiry
// falls back to the default.
type Config struct {
	Secret        string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// Manager is the jwt-backed domain.TokenManager.
type Manager struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

var _ domain.TokenManager = (*Manager)(nil)

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: secret is required")
	}
	m := &Manager{
		secret:        []byte(cfg.Secret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
	}
	if m.accessExpiry == 0 {
		m.accessExpiry = DefaultAccessExpiry
	}
	if m.refreshExpiry == 0 {
		m.refreshExpiry = DefaultRefreshExpiry
	}
	return m, nil
}

func (m *Manager) GenerateAccess(c domain.TokenClaims) (string, error) {
	return m.generate(c, m.accessExpiry)
}

func (m *Manager) GenerateRefresh(c domain.TokenClaims) (string, error) {
	return m.generate(c, m.refreshExpiry)
}

func (m *Manager) generate(c domain.TokenClaims, expiry time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		SessionID:      c.SessionID,
		IsImpersonated: c.IsImpersonated,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	})
	signed, err := t.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (m *Manager) DecodeAccess(token string) (*domain.TokenClaims, error) {
	return m.decode(token)
}

func (m *Manager) DecodeRefresh(token string) (*domain.TokenClaims, error) {
	return m.decode(token)
}

// DecodeExpired extracts claims from a well-signed token even when it is
// past its expiry. Used during refresh, where the access token only
// identifies the session.
func (m *Manager) DecodeExpired(token string) (*domain.TokenClaims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("token: decode: %w", err)
	}
	return &domain.TokenClaims{
		SessionID:      c.SessionID,
		IsImpersonated: c.IsImpersonated,
	}, nil
}

func (m *Manager) decode(token string) (*domain.TokenClaims, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token: %w", domain.ErrTokenExpired)
		}
		return nil, fmt.Errorf("token: decode: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token: decode: invalid token")
	}
	return &domain.TokenClaims{
		SessionID:      c.SessionID,
		IsImpersonated: c.IsImpersonated,
	}, nil
}
