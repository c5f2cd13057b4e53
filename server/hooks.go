package server

import (
	"context"

	"github.com/getaccounts/accounts/domain"
)

// Event identifies a server lifecycle event observable through hooks.
type Event string

const (
	EventLoginSuccess         Event = "login.success"
	EventLoginError           Event = "login.error"
	EventLogoutSuccess        Event = "logout.success"
	EventLogoutError          Event = "logout.error"
	EventRefreshTokensSuccess Event = "refresh_tokens.success"
	EventRefreshTokensError   Event = "refresh_tokens.error"
	EventResumeSessionSuccess Event = "resume_session.success"
	EventResumeSessionError   Event = "resume_session.error"
	EventImpersonationSuccess Event = "impersonation.success"
	EventImpersonationError   Event = "impersonation.error"
)

// HookData describes the event being emitted. Err is set on the error
// variants.
type HookData struct {
	Event     Event
	Service   string
	UserID    string
	SessionID string
	Info      *domain.ConnectionInfo
	Err       error
}

// Hook observes server events. Hooks run synchronously on the request
// path and must not block; their errors are their own concern.
type Hook func(ctx context.Context, data *HookData)

// AddHook registers a hook. Call during wiring, before the server starts
// taking requests; the hook slice is not guarded for concurrent mutation.
func (s *Server) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

func (s *Server) emit(ctx context.Context, data *HookData) {
	for _, h := range s.hooks {
		h(ctx, data)
	}
}
