package domain

import (
	"context"
	"time"
)

// Authenticator is an enrolled second factor. It is created inactive
// during association and becomes active after its first successful
// authentication. Secrets holds type-specific data (e.g. the OTP secret)
// and must never cross a trust boundary unsanitized.
type Authenticator struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Active    bool      `json:"active"`
	Secrets   JSON      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sanitized returns a copy with the secret payload stripped.
func (a *Authenticator) Sanitized() *Authenticator {
	if a == nil {
		return nil
	}
	c := *a
	c.Secrets = nil
	return &c
}

// MfaChallengeScopeAssociate marks a challenge issued for enrolling a new
// authenticator rather than for logging in.
const MfaChallengeScopeAssociate = "associate"

// MfaChallenge links a pending second-factor verification to a user and,
// once attached, to a specific authenticator. A challenge is consumed
// (deactivated) exactly once and can never be reused.
type MfaChallenge struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	AuthenticatorID string     `json:"authenticator_id,omitempty"`
	Token           string     `json:"token"`
	Scope           string     `json:"scope,omitempty"`
	Deactivated     bool       `json:"deactivated"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MfaAuthority is consulted by the server after a successful first factor.
// When the user has active authenticators it issues a challenge and login
// is suspended until the challenge is resolved.
type MfaAuthority interface {
	ChallengeOnLogin(ctx context.Context, userID string, info *ConnectionInfo) (mfaToken string, required bool, err error)
}
