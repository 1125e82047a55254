// Package ssoauth implements the AWS Builder ID / IdC SSO device
// authorization flow used to import a new account into the pool.
package ssoauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kirorelay/gateway/internal/pool"
)

// pollTimeout bounds the total time spent waiting for the user to
// complete authorization in their browser.
const pollTimeout = 120 * time.Second

const clientName = "kirorelay-gateway"

// ErrPollTimeout is returned when authorization is not completed within
// pollTimeout.
var ErrPollTimeout = errors.New("sso device authorization timed out")

// ErrAuthorizationDenied is returned when Upstream reports the user
// declined authorization.
var ErrAuthorizationDenied = errors.New("sso authorization denied")

// Flow drives one device-authorization exchange against the AWS SSO
// OIDC endpoints for a region.
type Flow struct {
	client *http.Client
	region string

	// oidcURLOverride replaces the computed oidc.<region>.amazonaws.com
	// base URL in tests.
	oidcURLOverride string
}

// New constructs a Flow for region.
func New(client *http.Client, region string) *Flow {
	return &Flow{client: client, region: region}
}

func (f *Flow) oidcURL(path string) string {
	if f.oidcURLOverride != "" {
		return f.oidcURLOverride + path
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/%s", f.region, path)
}

type registerClientResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// RegisterClient registers a new OIDC client for the device flow.
func (f *Flow) RegisterClient(ctx context.Context) (clientID, clientSecret string, err error) {
	body, _ := json.Marshal(map[string]any{
		"clientName": clientName,
		"clientType": "public",
		"scopes":     []string{"codewhisperer:completions"},
	})
	var out registerClientResponse
	if err := f.postJSON(ctx, f.oidcURL("client/register"), body, &out); err != nil {
		return "", "", fmt.Errorf("register client: %w", err)
	}
	return out.ClientID, out.ClientSecret, nil
}

// DeviceAuthorization is the response from starting the device flow:
// the user code to display and the interval to poll at.
type DeviceAuthorization struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
	ExpiresIn       int    `json:"expiresIn"`
	Interval        int    `json:"interval"`
}

// StartDeviceAuthorization begins the flow, returning the code the user
// must enter at VerificationURI.
func (f *Flow) StartDeviceAuthorization(ctx context.Context, clientID, clientSecret, startURL string) (*DeviceAuthorization, error) {
	body, _ := json.Marshal(map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	})
	var out DeviceAuthorization
	if err := f.postJSON(ctx, f.oidcURL("device_authorization"), body, &out); err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}
	if out.Interval <= 0 {
		out.Interval = 5
	}
	return &out, nil
}

type tokenErrorResponse struct {
	Error string `json:"error"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// PollForToken polls the token endpoint every interval seconds until the
// user completes authorization, Upstream reports a terminal error, or
// pollTimeout elapses.
func (f *Flow) PollForToken(ctx context.Context, clientID, clientSecret, deviceCode string, interval int) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	wait := time.Duration(interval) * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil, ErrPollTimeout
		case <-time.After(wait):
		}

		body, _ := json.Marshal(map[string]string{
			"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
			"deviceCode":   deviceCode,
			"clientId":     clientID,
			"clientSecret": clientSecret,
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oidcURL("token"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-amz-json-1.1")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			var out tokenResponse
			if err := json.Unmarshal(respBody, &out); err != nil {
				return nil, fmt.Errorf("parse token response: %w", err)
			}
			return &out, nil
		}

		var errResp tokenErrorResponse
		_ = json.Unmarshal(respBody, &errResp)
		switch errResp.Error {
		case "authorization_pending":
			continue
		case "slow_down":
			wait += 5 * time.Second
			continue
		case "access_denied":
			return nil, ErrAuthorizationDenied
		default:
			return nil, fmt.Errorf("sso token error: %s", string(respBody))
		}
	}
}

// ImportedAccount is the result of a completed SSO import, ready to be
// saved as a credential file and optionally added to the pool.
type ImportedAccount struct {
	Name        string
	Credentials pool.Credentials
}

// Import drives the full device-authorization exchange for a new
// account named name against startURL/region, returning credentials
// ready to persist.
func (f *Flow) Import(ctx context.Context, name, startURL string) (*ImportedAccount, error) {
	clientID, clientSecret, err := f.RegisterClient(ctx)
	if err != nil {
		return nil, err
	}

	da, err := f.StartDeviceAuthorization(ctx, clientID, clientSecret, startURL)
	if err != nil {
		return nil, err
	}

	tok, err := f.PollForToken(ctx, clientID, clientSecret, da.DeviceCode, da.Interval)
	if err != nil {
		return nil, err
	}

	creds := pool.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC().Format(time.RFC3339),
		AuthMethod:   "IdC",
		Region:       f.region,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		StartURL:     startURL,
	}
	return &ImportedAccount{Name: name, Credentials: creds}, nil
}

func (f *Flow) postJSON(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("x-request-id", uuid.New().String())

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
