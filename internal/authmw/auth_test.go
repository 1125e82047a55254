package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/kirorelay/gateway/internal/keystore"
)

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	s, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuthenticateMissingKeyIs401(t *testing.T) {
	m := New("admin-token", newTestStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	called := false
	m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rec, req)

	if called {
		t.Fatal("handler must not run without a key")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateAdminTokenViaXAPIKey(t *testing.T) {
	m := New("admin-token", newTestStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "admin-token")

	var got *KeyInfo
	m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	})).ServeHTTP(rec, req)

	if got == nil || !got.IsAdmin {
		t.Fatal("expected admin KeyInfo attached")
	}
}

func TestAuthenticateStoredKeyViaBearer(t *testing.T) {
	store := newTestStore(t)
	_, full, err := store.Create(context.Background(), "ci", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	m := New("admin-token", store)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+full)

	var got *KeyInfo
	m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	})).ServeHTTP(rec, req)

	if got == nil || got.IsAdmin || got.Name != "ci" {
		t.Fatalf("expected non-admin KeyInfo for ci, got %+v", got)
	}
}

func TestAuthenticateUnknownKeyIs401(t *testing.T) {
	m := New("admin-token", newTestStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "sk-kiro-doesnotexist")

	m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for unknown key")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsNonAdminKey(t *testing.T) {
	store := newTestStore(t)
	_, full, err := store.Create(context.Background(), "ci", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	m := New("admin-token", store)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/pool/status", nil)
	req.Header.Set("x-api-key", full)

	m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("admin handler must not run for a non-admin key")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
