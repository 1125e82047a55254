// Package token implements the per-account OAuth Token Manager: expiry
// checking, coalesced refresh, and atomic rewrite of the credential file
// backing each account.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirorelay/gateway/internal/config"
	"github.com/kirorelay/gateway/internal/pool"
)

// ErrNoRefreshToken is returned when an account has no refresh token to
// exchange.
var ErrNoRefreshToken = errors.New("account has no refresh token")

// Manager owns the refresh path for every account in the pool. A single
// Manager is shared across all accounts; coalescing is keyed per account
// name so refreshes for different accounts proceed independently.
type Manager struct {
	cfg    *config.Config
	client *http.Client
	sf     singleflight.Group

	// refreshURLOverride replaces the computed OIDC token endpoint when
	// set, for tests to point at an httptest.Server.
	refreshURLOverride string
}

// New constructs a Manager. client is used for the Upstream OAuth
// refresh and usage/limits calls.
func New(cfg *config.Config, client *http.Client) *Manager {
	return &Manager{cfg: cfg, client: client}
}

// EnsureValidToken returns a currently-valid access token for acct,
// refreshing it first if it is absent or within the configured expiry
// advance window. Concurrent refreshes for the same account coalesce
// into a single network call.
func (m *Manager) EnsureValidToken(ctx context.Context, acct *pool.Account) (string, error) {
	creds := acct.Credentials()
	if creds.AccessToken != "" && !needsRefresh(creds.ExpiresAt, m.cfg.TokenRefreshAdvance) {
		return creds.AccessToken, nil
	}

	v, err, _ := m.sf.Do(acct.Name, func() (any, error) {
		return m.refresh(ctx, acct)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// needsRefresh reports whether a token expiring at expiresAt (RFC3339)
// should be refreshed now, given the advance window. A missing or
// unparseable expiry is treated as expired.
func needsRefresh(expiresAt string, advance time.Duration) bool {
	if expiresAt == "" {
		return true
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return true
	}
	return !time.Now().Add(advance).Before(exp)
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// refresh performs the actual Upstream call and, on success, rewrites
// the credential record in memory and on disk. On failure it returns the
// error unchanged; the Dispatcher decides what to do with it.
func (m *Manager) refresh(ctx context.Context, acct *pool.Account) (string, error) {
	creds := acct.Credentials()
	if creds.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	tok, err := m.callRefreshEndpoint(ctx, creds)
	if err != nil {
		return "", fmt.Errorf("token refresh for %s: %w", acct.Name, err)
	}

	creds.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		creds.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}
	acct.SetCredentials(creds)

	if acct.Path != "" {
		if err := pool.SaveCredentials(acct.Path, creds); err != nil {
			slog.Error("persist refreshed credentials", "account", acct.Name, "error", err)
		}
	}

	return creds.AccessToken, nil
}

// callRefreshEndpoint exchanges refresh_token for a new access token
// against the AWS SSO OIDC token endpoint for the account's region,
// following the grant shape used by IdC (AWS Builder ID) credentials.
func (m *Manager) callRefreshEndpoint(ctx context.Context, creds pool.Credentials) (*refreshResponse, error) {
	url := m.refreshURLOverride
	if url == "" {
		region := creds.Region
		if region == "" {
			region = m.cfg.DefaultRegion
		}
		url = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
	}

	body, _ := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"refreshToken": creds.RefreshToken,
		"clientId":     creds.ClientID,
		"clientSecret": creds.ClientSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var out refreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, errors.New("empty access token in refresh response")
	}
	return &out, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
