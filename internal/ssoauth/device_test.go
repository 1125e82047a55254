package ssoauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestImportHappyPath(t *testing.T) {
	var pollCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/client/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"clientId": "cid", "clientSecret": "secret"})
	})
	mux.HandleFunc("/device_authorization", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DeviceAuthorization{
			DeviceCode: "devcode", UserCode: "ABCD-EFGH",
			VerificationURI: "https://device.sso.amazonaws.com/", Interval: 0,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		pollCount++
		if pollCount < 2 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(tokenErrorResponse{Error: "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(srv.Client(), "us-east-1")
	f.oidcURLOverride = srv.URL + "/"

	acct, err := f.Import(context.Background(), "imported", "https://example.awsapps.com/start")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if acct.Credentials.AccessToken != "at" || acct.Credentials.RefreshToken != "rt" {
		t.Fatalf("unexpected credentials: %+v", acct.Credentials)
	}
	if acct.Credentials.AuthMethod != "IdC" {
		t.Fatalf("expected AuthMethod IdC, got %q", acct.Credentials.AuthMethod)
	}
	if pollCount < 2 {
		t.Fatalf("expected at least one authorization_pending retry, got %d polls", pollCount)
	}
}

func TestPollForTokenAccessDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tokenErrorResponse{Error: "access_denied"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(srv.Client(), "us-east-1")
	f.oidcURLOverride = srv.URL + "/"

	_, err := f.PollForToken(context.Background(), "cid", "secret", "devcode", 0)
	if err != ErrAuthorizationDenied {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
}

func TestPollForTokenSlowDownBackoffThenSucceeds(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(tokenErrorResponse{Error: "slow_down"})
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 60})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(srv.Client(), "us-east-1")
	f.oidcURLOverride = srv.URL + "/"

	tok, err := f.PollForToken(context.Background(), "cid", "secret", "devcode", 0)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if tok.AccessToken != "at" {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if calls < 2 {
		t.Fatalf("expected slow_down to trigger a retry, got %d calls", calls)
	}
}

func TestPollForTokenUnknownErrorIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tokenErrorResponse{Error: "invalid_grant"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(srv.Client(), "us-east-1")
	f.oidcURLOverride = srv.URL + "/"

	_, err := f.PollForToken(context.Background(), "cid", "secret", "devcode", 0)
	if err == nil || !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("expected terminal error mentioning invalid_grant, got %v", err)
	}
}
