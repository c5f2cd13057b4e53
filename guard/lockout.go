// Package guard provides brute-force protection primitives: failure
// tracking with account lockout, and request rate limiting. In-memory
// implementations cover single-node deployments; Redis-backed ones cover
// distributed ones.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LockoutStore tracks authentication failures and lock state per
// identifier.
type LockoutStore interface {
	// RecordFailure increments the failure count for the identifier and
	// returns the new count. ttl bounds how long the count is remembered.
	RecordFailure(ctx context.Context, identifier string, ttl time.Duration) (int, error)

	// ClearFailures resets the failure count for the identifier.
	ClearFailures(ctx context.Context, identifier string) error

	// Lock locks the identifier for the given duration.
	Lock(ctx context.Context, identifier string, duration time.Duration) error

	// IsLocked reports whether the identifier is currently locked, and
	// until when.
	IsLocked(ctx context.Context, identifier string) (bool, time.Time, error)
}

// LockoutConfig tunes a Lockout.
type LockoutConfig struct {
	// MaxFailures is the number of failures before lockout.
	MaxFailures int

	// LockoutDuration is how long to lock the identifier.
	LockoutDuration time.Duration

	// FailureWindow is how long failures are remembered.
	FailureWindow time.Duration

	// FailOpen allows requests through when the store errors. Default is
	// to deny.
	FailOpen bool
}

// LockedError is returned when an identifier is locked out.
type LockedError struct {
	Identifier string
	Until      time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("guard: %q is locked until %s", e.Identifier, e.Until.Format(time.RFC3339))
}

// Lockout wraps a LockoutStore with counting policy. Authentication
// services call Check before verifying a credential, Failure after a
// failed attempt, and Success after a successful one.
type Lockout struct {
	store  LockoutStore
	config LockoutConfig
}

func NewLockout(store LockoutStore, config LockoutConfig) *Lockout {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.FailureWindow == 0 {
		config.FailureWindow = 15 * time.Minute
	}
	return &Lockout{store: store, config: config}
}

// Check fails with *LockedError when the identifier is locked.
func (l *Lockout) Check(ctx context.Context, identifier string) error {
	locked, until, err := l.store.IsLocked(ctx, identifier)
	if err != nil {
		if l.config.FailOpen {
			return nil
		}
		return fmt.Errorf("guard: lockout check: %w", err)
	}
	if locked {
		return &LockedError{Identifier: identifier, Until: until}
	}
	return nil
}

// Failure records a failed attempt and locks the identifier once the
// threshold is reached.
func (l *Lockout) Failure(ctx context.Context, identifier string) error {
	count, err := l.store.RecordFailure(ctx, identifier, l.config.FailureWindow)
	if err != nil {
		if l.config.FailOpen {
			return nil
		}
		return fmt.Errorf("guard: record failure: %w", err)
	}
	if count >= l.config.MaxFailures {
		if err := l.store.Lock(ctx, identifier, l.config.LockoutDuration); err != nil && !l.config.FailOpen {
			return fmt.Errorf("guard: lock: %w", err)
		}
	}
	return nil
}

// Success clears the failure count.
func (l *Lockout) Success(ctx context.Context, identifier string) {
	_ = l.store.ClearFailures(ctx, identifier)
}

// ---- In-memory store ----

type memoryFailure struct {
	count     int
	expiresAt time.Time
}

// MemoryLockoutStore is a process-local LockoutStore for single-node
// deployments and tests.
type MemoryLockoutStore struct {
	mu       sync.Mutex
	failures map[string]*memoryFailure
	locks    map[string]time.Time
}

func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{
		failures: make(map[string]*memoryFailure),
		locks:    make(map[string]time.Time),
	}
}

func (s *MemoryLockoutStore) RecordFailure(ctx context.Context, identifier string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[identifier]
	if !ok || time.Now().After(f.expiresAt) {
		f = &memoryFailure{expiresAt: time.Now().Add(ttl)}
		s.failures[identifier] = f
	}
	f.count++
	return f.count, nil
}

func (s *MemoryLockoutStore) ClearFailures(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, identifier)
	return nil
}

func (s *MemoryLockoutStore) Lock(ctx context.Context, identifier string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[identifier] = time.Now().Add(duration)
	delete(s.failures, identifier)
	return nil
}

func (s *MemoryLockoutStore) IsLocked(ctx context.Context, identifier string) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.locks[identifier]
	if !ok {
		return false, time.Time{}, nil
	}
	if time.Now().After(until) {
		delete(s.locks, identifier)
		return false, time.Time{}, nil
	}
	return true, until, nil
}
