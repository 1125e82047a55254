// Package ratelimit enforces each stored API key's optional per-minute
// request limit. The admin key and keys with a nil rate_limit are never
// throttled.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

type counter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// Manager tracks a fixed-window request counter per API key id. A
// single Manager instance is shared across the server; cleanup removes
// stale per-key counters so memory does not grow unbounded with key churn.
type Manager struct {
	mu       sync.Mutex
	counters map[int64]*counter

	cleanupCancel context.CancelFunc
}

// New constructs a Manager and starts its background cleanup loop.
func New() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{counters: make(map[int64]*counter), cleanupCancel: cancel}
	go m.runCleanup(ctx)
	return m
}

// Close stops the background cleanup loop.
func (m *Manager) Close() {
	m.cleanupCancel()
}

// Allow reports whether a request for apiKeyID may proceed under limit
// requests per minute. A nil limit means unlimited.
func (m *Manager) Allow(apiKeyID int64, limit *int) bool {
	if limit == nil {
		return true
	}

	c := m.counterFor(apiKeyID)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.count = 0
	}
	if c.count >= *limit {
		return false
	}
	c.count++
	return true
}

func (m *Manager) counterFor(apiKeyID int64) *counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[apiKeyID]
	if !ok {
		c = &counter{windowStart: time.Now()}
		m.counters[apiKeyID] = c
	}
	return c
}

func (m *Manager) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup drops counters whose window has long since expired, so a key
// that stops being used does not hold memory forever.
func (m *Manager) cleanup() {
	cutoff := time.Now().Add(-10 * window)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.counters {
		c.mu.Lock()
		stale := c.windowStart.Before(cutoff)
		c.mu.Unlock()
		if stale {
			delete(m.counters, id)
		}
	}
}
