package domain

import "time"

// TokenRecord is a temporary, expiring token attached to a user. It is
// used uniformly for email verification, password reset, and
// magic-link/passwordless login tokens. A record is valid only until
// When + the issuing service's expiry window; expired or consumed records
// must be removed or ignored.
type TokenRecord struct {
	Token   string    `json:"token"`
	Address string    `json:"address,omitempty"`
	When    time.Time `json:"when"`
	Reason  string    `json:"reason,omitempty"`
}

// Expired reports whether the record is past its validity window.
func (r *TokenRecord) Expired(window time.Duration) bool {
	return !time.Now().Before(r.When.Add(window))
}

// TokenClaims is the payload the core embeds in signed tokens. A token is
// a capability reference: it proves nothing on its own and must resolve to
// a live, valid Session row.
type TokenClaims struct {
	SessionID      string
	IsImpersonated bool
}

// TokenManager generates and validates the signed access and refresh
// tokens issued at login. Implementations are stateless, pure functions
// over a secret.
type TokenManager interface {
	GenerateAccess(claims TokenClaims) (string, error)
	GenerateRefresh(claims TokenClaims) (string, error)

	// DecodeAccess and DecodeRefresh fail on an invalid or expired
	// signature.
	DecodeAccess(token string) (*TokenClaims, error)
	DecodeRefresh(token string) (*TokenClaims, error)
}
