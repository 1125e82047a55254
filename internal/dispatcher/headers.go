package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/kirorelay/gateway/internal/pool"
)

// upstreamHost returns the Kiro/CodeWhisperer host for region.
func upstreamHost(region string) string {
	return fmt.Sprintf("q.%s.amazonaws.com", region)
}

// upstreamURL returns the full generateAssistantResponse endpoint URL.
func upstreamURL(region string) string {
	return fmt.Sprintf("https://%s/generateAssistantResponse", upstreamHost(region))
}

// machineID derives a stable per-account identifier from credential
// fields that do not change across refreshes, so the same account
// always presents the same synthetic machine id to Upstream.
func machineID(creds pool.Credentials) string {
	h := sha256.Sum256([]byte(creds.ClientID + "|" + creds.StartURL + "|" + creds.Region))
	return hex.EncodeToString(h[:8])
}

// buildHeaders constructs the authoritative Upstream header set. Order
// is irrelevant; http.Header is a multi-map so this returns one set per
// call (a fresh amz-sdk-invocation-id each time).
func buildHeaders(creds pool.Credentials, accessToken, kiroVersion string) http.Header {
	region := creds.Region
	machine := machineID(creds)

	h := http.Header{}
	h.Set("content-type", "application/json")
	h.Set("x-amzn-codewhisperer-optout", "true")
	h.Set("x-amzn-kiro-agent-mode", "vibe")
	h.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", kiroVersion, machine))
	h.Set("user-agent", fmt.Sprintf(
		"aws-sdk-js/1.0.27 ua/2.1 os/other lang/js md/nodejs#20 api/codewhispererstreaming#1.0.27 m/E KiroIDE-%s-%s",
		kiroVersion, machine))
	h.Set("host", upstreamHost(region))
	h.Set("amz-sdk-invocation-id", uuid.New().String())
	h.Set("amz-sdk-request", "attempt=1; max=3")
	h.Set("authorization", "Bearer "+accessToken)
	h.Set("connection", "close")
	return h
}
