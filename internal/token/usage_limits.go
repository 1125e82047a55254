package token

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/kirorelay/gateway/internal/pool"
)

// UsageLimits is the decoded response of the Upstream usage/limits
// endpoint.
type UsageLimits struct {
	Email             string  `cbor:"email"`
	SubscriptionTitle string  `cbor:"subscriptionTitle"`
	CurrentUsage      float64 `cbor:"currentUsage"`
	UsageLimit        float64 `cbor:"usageLimit"`
	NextResetDate     string  `cbor:"nextResetDate"`
}

type usageLimitsRequest struct {
	ProfileARN string `cbor:"profileArn,omitempty"`
}

// GetUsageLimits calls the CBOR-encoded GetUserUsageAndLimits endpoint
// and, on success, updates acct's usage_ratio from the returned
// current/limit pair so the selector can prefer less-saturated accounts.
func (m *Manager) GetUsageLimits(ctx context.Context, acct *pool.Account) (*UsageLimits, error) {
	token, err := m.EnsureValidToken(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("ensure valid token: %w", err)
	}

	creds := acct.Credentials()
	reqBody, err := cbor.Marshal(usageLimitsRequest{ProfileARN: creds.ProfileARN})
	if err != nil {
		return nil, fmt.Errorf("encode cbor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://kiro.amazon.dev/GetUserUsageAndLimits", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("smithy-protocol", "rpc-v2-cbor")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage/limits endpoint returned %d", resp.StatusCode)
	}

	var out UsageLimits
	if err := cbor.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode cbor response: %w", err)
	}

	if out.UsageLimit > 0 {
		acct.SetUsageRatio(out.CurrentUsage / out.UsageLimit)
	} else {
		acct.ClearUsageRatio()
	}

	return &out, nil
}
