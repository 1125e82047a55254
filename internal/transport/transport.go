// Package transport pools per-account HTTP/2 clients toward Upstream,
// with a background goroutine reclaiming idle entries. No TLS
// fingerprinting or proxy dialing (see DESIGN.md).
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/kirorelay/gateway/internal/config"
	"github.com/kirorelay/gateway/internal/pool"
)

// Manager provides per-account HTTP clients, pooling one HTTP/2
// transport per account so connection reuse survives across requests.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration

	cleanupCancel context.CancelFunc
}

type poolEntry struct {
	transport *http2.Transport
	lastUsed  time.Time
}

// NewManager constructs a Manager and starts its background idle-cleanup
// loop.
func NewManager(cfg *config.Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: cfg.RequestTimeout,
		cleanupCancel:  cancel,
	}
	go m.runCleanup(ctx)
	return m
}

// ClientFor returns an http.Client bound to acct's pooled transport.
func (m *Manager) ClientFor(acct *pool.Account) *http.Client {
	return &http.Client{
		Transport: m.transportFor(acct),
		Timeout:   m.requestTimeout,
	}
}

// Close closes every pooled transport's idle connections and stops
// cleanup.
func (m *Manager) Close() {
	m.cleanupCancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		entry.transport.CloseIdleConnections()
		delete(m.entries, key)
	}
}

func (m *Manager) transportFor(acct *pool.Account) *http2.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[acct.Name]; ok {
		entry.lastUsed = time.Now()
		return entry.transport
	}

	t := &http2.Transport{}
	m.entries[acct.Name] = &poolEntry{transport: t, lastUsed: time.Now()}
	return t
}

func (m *Manager) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			entry.transport.CloseIdleConnections()
			delete(m.entries, key)
		}
	}
}
