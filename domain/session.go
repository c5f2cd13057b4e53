package domain

import "time"

// Session represents one continuous login lineage. A session is created at
// login or impersonation, invalidated on logout or password change, and is
// never deleted or reactivated, only marked invalid.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	Valid     bool      `json:"valid"`
	UserAgent string    `json:"user_agent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ImpersonatorUserID is set when the session was created through
	// impersonation, and names the user driving it.
	ImpersonatorUserID string `json:"impersonator_user_id,omitempty"`
}

// Tokens is an access/refresh token pair. Both are opaque signed strings
// whose only semantic content is the session id they are bound to.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// LoginResult is returned by every successful authentication path.
//
// When a second factor is required, MfaToken is set and SessionID/Tokens
// are empty; the caller must complete the MFA flow before a session is
// issued.
type LoginResult struct {
	User      *User   `json:"user"`
	SessionID string  `json:"session_id,omitempty"`
	Tokens    *Tokens `json:"tokens,omitempty"`
	MfaToken  string  `json:"mfa_token,omitempty"`
}

// ImpersonationResult is returned by AccountsServer.Impersonate. When the
// caller is not authorized, Authorized is false and no session or tokens
// exist.
type ImpersonationResult struct {
	Authorized bool    `json:"authorized"`
	User       *User   `json:"user,omitempty"`
	Tokens     *Tokens `json:"tokens,omitempty"`
}
