package domain

import "context"

// Database is the composite persistence contract the core consumes. The
// core never implements it; storage adapters do. Find methods return
// (nil, nil) when no record matches — the core translates absence into
// its own domain errors.
//
// Concurrency: the core performs no read-modify-write of its own; it
// relies on each individual operation being atomic at the storage layer.
type Database interface {
	UserStorage
	SessionStorage
	TokenStorage
	MfaStorage
}

// CreateUserFields is the input to CreateUser. Services carries initial
// per-service state (for example the password service's hash blob).
type CreateUserFields struct {
	Username string
	Email    string
	Services map[string]JSON
}

type UserStorage interface {
	CreateUser(ctx context.Context, fields CreateUserFields) (string, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)

	// FindUserByServiceID resolves a user by a value a service stored
	// under its own slot, e.g. an OAuth provider subject or a multi-step
	// service id.
	FindUserByServiceID(ctx context.Context, serviceName, serviceID string) (*User, error)

	SetUsername(ctx context.Context, userID, username string) error
	SetService(ctx context.Context, userID, serviceName string, data JSON) error
	UnsetService(ctx context.Context, userID, serviceName string) error
	SetUserDeactivated(ctx context.Context, userID string, deactivated bool) error

	FindPasswordHash(ctx context.Context, userID string) (string, error)
	SetPassword(ctx context.Context, userID, hash string) error

	AddEmail(ctx context.Context, userID, address string, verified bool) error
	RemoveEmail(ctx context.Context, userID, address string) error
	VerifyEmail(ctx context.Context, userID, address string) error
}

type SessionStorage interface {
	CreateSession(ctx context.Context, session *Session) (string, error)
	FindSessionByID(ctx context.Context, id string) (*Session, error)
	FindSessionByToken(ctx context.Context, token string) (*Session, error)

	// UpdateSession refreshes the session's connection info. Rotating
	// token pairs leaves the session id stable.
	UpdateSession(ctx context.Context, id string, info ConnectionInfo) error

	InvalidateSession(ctx context.Context, id string) error
	InvalidateAllSessions(ctx context.Context, userID string) error
}

type TokenStorage interface {
	AddEmailVerificationToken(ctx context.Context, userID, address, token string) error
	FindUserByEmailVerificationToken(ctx context.Context, token string) (*User, error)

	AddResetPasswordToken(ctx context.Context, userID, address, token, reason string) error
	FindUserByResetPasswordToken(ctx context.Context, token string) (*User, error)
	RemoveAllResetPasswordTokens(ctx context.Context, userID string) error

	AddLoginToken(ctx context.Context, serviceName, userID, address, token string) error
	FindUserByLoginToken(ctx context.Context, serviceName, token string) (*User, error)
	RemoveAllLoginTokens(ctx context.Context, serviceName, userID string) error
}

type MfaStorage interface {
	CreateAuthenticator(ctx context.Context, authenticator *Authenticator) (string, error)
	FindAuthenticatorByID(ctx context.Context, id string) (*Authenticator, error)
	FindUserAuthenticators(ctx context.Context, userID string) ([]*Authenticator, error)
	UpdateAuthenticator(ctx context.Context, id string, secrets JSON) error
	ActivateAuthenticator(ctx context.Context, id string) error
	DeactivateAuthenticator(ctx context.Context, id string) error

	CreateMfaChallenge(ctx context.Context, challenge *MfaChallenge) (string, error)
	FindMfaChallengeByToken(ctx context.Context, token string) (*MfaChallenge, error)

	// UpdateMfaChallenge attaches an authenticator to a pending challenge.
	UpdateMfaChallenge(ctx context.Context, id, authenticatorID string) error
	DeactivateMfaChallenge(ctx context.Context, id string) error
}

// Hasher hashes and verifies password-class secrets.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(password, hash string) bool
}
