package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirorelay/gateway/internal/config"
	"github.com/kirorelay/gateway/internal/pool"
)

func TestEnsureValidTokenNoIOWhenFresh(t *testing.T) {
	called := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer srv.Close()

	acct := pool.NewAccount("a", "", pool.Credentials{
		AccessToken: "valid",
		ExpiresAt:   time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339),
	})

	m := New(&config.Config{TokenRefreshAdvance: 60 * time.Second}, srv.Client())
	tok, err := m.EnsureValidToken(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "valid" {
		t.Fatalf("expected unchanged token, got %q", tok)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("refresh endpoint should not have been called")
	}
}

func TestEnsureValidTokenRefreshesWhenNearExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "new-token", ExpiresIn: 3600})
	}))
	defer srv.Close()

	acct := pool.NewAccount("a", "", pool.Credentials{
		AccessToken:  "old",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(5 * time.Second).UTC().Format(time.RFC3339),
	})

	m := New(&config.Config{TokenRefreshAdvance: 60 * time.Second, DefaultRegion: "us-east-1"}, srv.Client())
	m.refreshURLOverride = srv.URL

	tok, err := m.EnsureValidToken(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "new-token" {
		t.Fatalf("expected refreshed token, got %q", tok)
	}
}

func TestEnsureValidTokenNoRefreshTokenFails(t *testing.T) {
	acct := pool.NewAccount("a", "", pool.Credentials{})
	m := New(&config.Config{TokenRefreshAdvance: 60 * time.Second}, http.DefaultClient)
	if _, err := m.EnsureValidToken(context.Background(), acct); err == nil {
		t.Fatal("expected error for account with no refresh token")
	}
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "coalesced", ExpiresIn: 3600})
	}))
	defer srv.Close()

	acct := pool.NewAccount("a", "", pool.Credentials{RefreshToken: "rt"})
	m := New(&config.Config{TokenRefreshAdvance: 60 * time.Second}, srv.Client())
	m.refreshURLOverride = srv.URL

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			m.EnsureValidToken(context.Background(), acct)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly 1 network call, got %d", n)
	}
}
