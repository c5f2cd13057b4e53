package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Params is the loosely-typed parameter bag a transport hands to a
// service action. Services decode it into their own request types with
// DecodeParams.
type Params map[string]any

// DecodeParams unmarshals a parameter bag into a typed request struct.
func DecodeParams(p Params, dst any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// ServiceDeps is handed to each authentication service exactly once, when
// the service is linked to the server at construction time.
type ServiceDeps struct {
	Store Database

	// AmbiguousErrors collapses "user not found" and "wrong credential"
	// into one generic error, to reduce user-enumeration risk.
	AmbiguousErrors bool
}

// AuthenticationService is a pluggable credential-verification strategy.
// Implementations verify a credential and produce the matching user; the
// server then funnels every successful authentication through its single
// session-issuing path.
type AuthenticationService interface {
	// Name is the key the service is registered and dispatched under.
	Name() string

	// Link wires the service to the server's collaborators. Called once
	// at server construction, never per request.
	Link(deps ServiceDeps)

	// Authenticate verifies params and returns the matching user.
	// Returns an error for every failure; there is no (nil, nil) path.
	Authenticate(ctx context.Context, params Params, info *ConnectionInfo) (*User, error)
}

// ServiceActions is implemented by services that expose named operations
// beyond plain authentication (register, verify-email, reset-password,
// request-magic-link, ...). The server's UseService dispatches to it.
type ServiceActions interface {
	UseService(ctx context.Context, action string, params Params, info *ConnectionInfo) (any, error)
}

// EmailSender dispatches a rendered notification email. Deployments
// inject their own mailer; the default logs the mail instead of sending.
type EmailSender func(ctx context.Context, to, subject, body string) error

// EmailTemplate is a subject line plus a text/template body. The data
// passed to the body template is service-specific (typically the token or
// code and the address).
type EmailTemplate struct {
	Subject string
	Body    string
}
