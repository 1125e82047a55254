// Package authmw implements the caller-facing authentication middleware:
// extracting the API key, validating it against the admin token or the
// key store, and attaching the resolved identity to the request
// context.
package authmw

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirorelay/gateway/internal/keystore"
)

type contextKey string

const keyInfoContextKey contextKey = "authmw.keyInfo"

// KeyInfo is attached to the request context once authentication succeeds.
type KeyInfo struct {
	ID        int64
	Name      string
	IsAdmin   bool
	RateLimit *int
}

// Middleware validates caller requests against the admin token and the
// stored API key table.
type Middleware struct {
	adminToken string
	store      *keystore.Store
}

// New constructs a Middleware.
func New(adminToken string, store *keystore.Store) *Middleware {
	return &Middleware{adminToken: adminToken, store: store}
}

// Authenticate wraps next, rejecting requests with a missing or
// unrecognized key before it runs.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeAuthError(w, "missing API key")
			return
		}

		info, ok := m.validate(r.Context(), token)
		if !ok {
			writeAuthError(w, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoContextKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps next, rejecting any request whose resolved identity
// is not the admin key, for the /admin/* route group.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := FromContext(r.Context())
		if info == nil || !info.IsAdmin {
			writeAuthError(w, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (m *Middleware) validate(ctx context.Context, token string) (*KeyInfo, bool) {
	if m.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) == 1 {
		return &KeyInfo{ID: keystore.AdminKeyID, Name: "admin", IsAdmin: true}, true
	}

	vk, ok := m.store.Verify(ctx, token)
	if !ok {
		return nil, false
	}
	return &KeyInfo{ID: vk.ID, Name: vk.Name, RateLimit: vk.RateLimit}, true
}

// FromContext returns the KeyInfo attached by Authenticate, or nil.
func FromContext(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(keyInfoContextKey).(*KeyInfo)
	return v
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	body := map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    "authentication_error",
			"message": message,
		},
	}
	data, _ := json.Marshal(body)
	fmt.Fprint(w, string(data))
}
