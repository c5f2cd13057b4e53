package guard

import (
	"context"
	"sync"
	"time"
)

// RateLimiter limits how often a key may perform an action within a
// window.
type RateLimiter interface {
	// Allow reports whether the request should proceed and how many
	// requests remain in the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, err error)

	// Reset clears the counter for the key.
	Reset(ctx context.Context, key string) error
}

// MemoryRateLimiter is a process-local sliding-window-log limiter.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{entries: make(map[string][]time.Time)}
}

func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	kept := r.entries[key][:0]
	for _, t := range r.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.entries[key] = kept
		return false, 0, nil
	}
	r.entries[key] = append(kept, now)
	return true, limit - len(kept) - 1, nil
}

func (r *MemoryRateLimiter) Reset(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}
