// Package dispatcher implements the Request Dispatcher: account
// selection, token refresh, Upstream header construction, and the retry
// and rotation state machine for each forwarded request. Usage recording
// is left to the caller.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirorelay/gateway/internal/config"
	"github.com/kirorelay/gateway/internal/errorlog"
	"github.com/kirorelay/gateway/internal/pool"
)

// ErrAllDisabled is returned when no account passes the selector's
// filters, across every retry attempt.
var ErrAllDisabled = errors.New("all accounts disabled or unhealthy")

// rateLimitBackoff is the fixed delay applied after a 429 response
// before the next retry attempt.
const rateLimitBackoff = 500 * time.Millisecond

// TokenEnsurer refreshes and returns a valid access token for an account.
type TokenEnsurer interface {
	EnsureValidToken(ctx context.Context, acct *pool.Account) (string, error)
}

// TransportProvider supplies the HTTP client used to reach Upstream for
// a given account. Per-account client reuse is an optimization, not a
// correctness requirement.
type TransportProvider interface {
	ClientFor(acct *pool.Account) *http.Client
}

// Dispatcher forwards client requests to Upstream, rotating across the
// account pool on non-fatal errors. Usage recording happens one layer up,
// once the caller has parsed the response body for token counts.
type Dispatcher struct {
	pool      *pool.Pool
	tokens    TokenEnsurer
	transport TransportProvider
	errLog    *errorlog.Store
	cfg       *config.Config
}

// New constructs a Dispatcher.
func New(p *pool.Pool, tokens TokenEnsurer, transport TransportProvider, errLog *errorlog.Store, cfg *config.Config) *Dispatcher {
	return &Dispatcher{pool: p, tokens: tokens, transport: transport, errLog: errLog, cfg: cfg}
}

// maxRetries caps retry attempts at min(n*3, 9), where n is the number
// of accounts currently in the pool.
func maxRetries(accountCount int) int {
	n := accountCount * 3
	if n > 9 {
		return 9
	}
	if n < 0 {
		return 0
	}
	return n
}

// Outcome describes how a forward attempt concluded, so callers (the
// HTTP boundary) can decide how to report it without re-deriving status
// classification.
type Outcome struct {
	StatusCode  int
	Body        []byte
	Header      http.Header
	AccountName string
	RateLimited bool // true if every attempt ended in 429
	LastErr     error
}

// Forward sends a non-streaming request to Upstream, rotating accounts
// on retryable failures, and returns the final response to relay to the
// caller. The caller is responsible for parsing the response body for
// token counts and recording usage once it decides the request as a
// whole succeeded.
func (d *Dispatcher) Forward(ctx context.Context, body []byte) (*Outcome, error) {
	retries := maxRetries(d.pool.AccountCount())
	var lastErr error
	rateLimitedStreak := 0
	attempts := 0

	for attempt := 0; attempt < retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		acct := d.pool.GetLeastUsedAccount()
		if acct == nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrAllDisabled, lastErr)
			}
			return nil, ErrAllDisabled
		}
		attempts++
		acct.IncRequestCount()

		token, err := d.tokens.EnsureValidToken(ctx, acct)
		if err != nil {
			slog.Warn("token refresh failed, rotating", "account", acct.Name, "error", err)
			acct.MarkUnhealthy()
			lastErr = err
			continue
		}

		req, err := d.buildRequest(ctx, acct, token, body)
		if err != nil {
			return nil, err
		}

		client := d.transport.ClientFor(acct)
		resp, err := client.Do(req)
		if err != nil {
			slog.Warn("upstream transport error, rotating", "account", acct.Name, "error", err)
			acct.MarkUnhealthy()
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			acct.MarkUnhealthy()
			lastErr = readErr
			continue
		}

		switch classify(resp.StatusCode) {
		case class2xx:
			acct.MarkHealthy()
			return &Outcome{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header, AccountName: acct.Name}, nil

		case class400:
			d.logError(acct.Name, resp.StatusCode, respBody, false, body)
			return &Outcome{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header, AccountName: acct.Name}, nil

		case class429:
			d.logError(acct.Name, resp.StatusCode, respBody, false, nil)
			rateLimitedStreak++
			lastErr = fmt.Errorf("upstream rate limited (status %d)", resp.StatusCode)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(rateLimitBackoff):
			}
			continue

		default:
			d.logError(acct.Name, resp.StatusCode, respBody, false, nil)
			acct.MarkUnhealthy()
			rateLimitedStreak = 0
			lastErr = fmt.Errorf("upstream error (status %d)", resp.StatusCode)
			continue
		}
	}

	return &Outcome{RateLimited: attempts > 0 && rateLimitedStreak == attempts, LastErr: lastErr}, lastErr
}

type statusClass int

const (
	class2xx statusClass = iota
	class400
	class429
	classOther
)

func classify(status int) statusClass {
	switch {
	case status >= 200 && status < 300:
		return class2xx
	case status == 400:
		return class400
	case status == 429:
		return class429
	default:
		return classOther
	}
}

func (d *Dispatcher) buildRequest(ctx context.Context, acct *pool.Account, token string, body []byte) (*http.Request, error) {
	creds := acct.Credentials()
	region := creds.Region
	if region == "" {
		region = d.cfg.DefaultRegion
	}
	creds.Region = region

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL(region), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = buildHeaders(creds, token, d.cfg.KiroVersion)
	return req, nil
}

func (d *Dispatcher) logError(accountName string, status int, respBody []byte, isStream bool, requestBody []byte) {
	if d.errLog == nil {
		return
	}
	var errType errorlog.ErrorType
	switch {
	case status == 400:
		errType = errorlog.ErrorType400
	case status == 429:
		errType = errorlog.ErrorType429
	default:
		errType = errorlog.ErrorTypeOther
	}

	entry := errorlog.Entry{
		Timestamp:   time.Now().UTC(),
		AccountName: accountName,
		StatusCode:  status,
		ErrorType:   errType,
		Message:     errorlog.TruncateRequestBody(respBody),
		IsStream:    isStream,
	}
	if status == 400 && requestBody != nil {
		snippet := errorlog.TruncateRequestBody(requestBody)
		entry.RequestBody = &snippet
	}
	d.errLog.Add(entry)
}
