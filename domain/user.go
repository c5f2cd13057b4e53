// Package domain defines the core types and storage contracts for the
// accounts framework.
//
// This package provides the fundamental contracts that storage
// implementations and authentication services must fulfill. It abstracts
// persistence of users, sessions, token records, and MFA state, allowing
// any backend (GORM, Redis, custom) to be plugged in.
//
// # Core Types
//
//   - User: account record with an open per-service state map
//   - Session: server-side login lineage, referenced by token-embedded id
//   - Tokens: access/refresh token pair
//   - TokenRecord: expiring single-purpose token (verification, reset, login)
//   - Authenticator / MfaChallenge: second-factor state
//
// # Contracts
//
//   - Database: composite persistence interface
//   - AuthenticationService: pluggable credential-verification strategy
//   - TokenManager: signed access/refresh token codec
//
// See the agorm package for a complete GORM-based Database implementation.
package domain

import (
	"database/sql/driver"
	"errors"
	"time"
)

// JSON is a custom type for handling opaque JSON data in various storages.
// Per-service state on a User is stored as JSON blobs; each service owns
// the shape of its own blob.
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return errors.New("invalid type for JSON")
	}
	return nil
}

// EmailRecord is one address attached to a user.
type EmailRecord struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// User represents an account.
//
// Services is an open map where each authentication service stores its own
// opaque state (password hash, OAuth profile, login tokens, multi-step
// progress). It must be stripped before the user crosses a trust boundary;
// see Sanitized.
type User struct {
	ID          string          `json:"id"`
	Username    string          `json:"username,omitempty"`
	Emails      []EmailRecord   `json:"emails,omitempty"`
	Services    map[string]JSON `json:"-"`
	Deactivated bool            `json:"deactivated"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Sanitized returns a copy of the user with the Services map stripped.
// Every code path that returns a User to a client must go through this.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Services = nil
	return &c
}

// FirstEmail returns the first address on the user, or "".
func (u *User) FirstEmail() string {
	if len(u.Emails) == 0 {
		return ""
	}
	return u.Emails[0].Address
}

// HasEmail reports whether address is attached to the user.
func (u *User) HasEmail(address string) bool {
	for _, e := range u.Emails {
		if e.Address == address {
			return true
		}
	}
	return false
}

// ConnectionInfo carries transport-level metadata about the request that
// triggered an operation. Recorded on sessions for auditing.
type ConnectionInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}
