package domain

import "errors"

// Cross-cutting domain failures. Services and the server wrap these with
// package-prefixed context; callers classify with errors.Is.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserDeactivated    = errors.New("user deactivated")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSession     = errors.New("session is no longer valid")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenNotFound      = errors.New("token not found")
	ErrTokenExpired       = errors.New("token expired")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrServiceNotFound    = errors.New("service not found")
)
