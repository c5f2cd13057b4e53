// Package audit records security-relevant account events. The recorder
// subscribes to server hooks and writes one event per login, logout,
// refresh, resume, and impersonation attempt.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
	"github.com/getaccounts/accounts/server"
)

// Event is one recorded security event.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Service   string      `json:"service,omitempty"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	IP        string      `json:"ip,omitempty"`
	UserAgent string      `json:"user_agent,omitempty"`
	Metadata  domain.JSON `json:"metadata,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Store persists events.
type Store interface {
	SaveEvent(ctx context.Context, event *Event) error
}

// Recorder turns server hook data into stored events. Failures to
// persist are logged, never surfaced to the login path.
type Recorder struct {
	store Store
	log   *zap.Logger
}

func NewRecorder(store Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log}
}

// Hook is the server hook to register with AddHook.
func (r *Recorder) Hook(ctx context.Context, data *server.HookData) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      string(data.Event),
		UserID:    data.UserID,
		SessionID: data.SessionID,
		Service:   data.Service,
		Status:    StatusSuccess,
		CreatedAt: time.Now(),
	}
	if data.Err != nil {
		event.Status = StatusFailure
		event.Message = data.Err.Error()
	}
	if data.Info != nil {
		event.IP = data.Info.IP
		event.UserAgent = data.Info.UserAgent
	}
	if err := r.store.SaveEvent(ctx, event); err != nil {
		r.log.Error("audit event dropped", zap.String("type", event.Type), zap.Error(err))
	}
}

// LogStore writes events to the logger only. It is the fallback when no
// persistent store is configured.
type LogStore struct {
	log *zap.Logger
}

func NewLogStore(log *zap.Logger) *LogStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogStore{log: log}
}

func (s *LogStore) SaveEvent(ctx context.Context, event *Event) error {
	s.log.Info("audit",
		zap.String("type", event.Type),
		zap.String("status", event.Status),
		zap.String("user_id", event.UserID),
		zap.String("session_id", event.SessionID),
		zap.String("ip", event.IP),
	)
	return nil
}
