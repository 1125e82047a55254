package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirorelay/gateway/internal/authmw"
	"github.com/kirorelay/gateway/internal/dispatcher"
)

func parseBody(r *http.Request) (map[string]any, []byte, error) {
	limited := io.LimitReader(r.Body, int64(maxRequestBodyBytes))
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, err
	}
	return body, raw, nil
}

const maxRequestBodyBytes = 64 << 20

type tokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// usageFromResponse extracts Anthropic-shaped usage counters from a
// non-streaming response body; the gateway does not otherwise interpret
// the payload it relays.
func usageFromResponse(body []byte) tokenUsage {
	var parsed struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(body, &parsed)
	return tokenUsage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
}

// usageSSEScanner collects the relayed SSE body and, once the stream
// ends, extracts the usage counters carried on its message_delta/
// message_start events. The whole relayed body is held in memory until
// result is called.
type usageSSEScanner struct {
	buf bytes.Buffer
}

func (u *usageSSEScanner) observe(chunk []byte) {
	u.buf.Write(chunk)
}

func (u *usageSSEScanner) result() tokenUsage {
	var out tokenUsage
	scanner := bufio.NewScanner(bytes.NewReader(u.buf.Bytes()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var evt struct {
			Usage *struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
			Message *struct {
				Usage struct {
					InputTokens  int64 `json:"input_tokens"`
					OutputTokens int64 `json:"output_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		if evt.Usage != nil {
			if evt.Usage.InputTokens > 0 {
				out.InputTokens = evt.Usage.InputTokens
			}
			if evt.Usage.OutputTokens > 0 {
				out.OutputTokens = evt.Usage.OutputTokens
			}
		}
		if evt.Message != nil {
			if evt.Message.Usage.InputTokens > 0 {
				out.InputTokens = evt.Message.Usage.InputTokens
			}
			if evt.Message.Usage.OutputTokens > 0 {
				out.OutputTokens = evt.Message.Usage.OutputTokens
			}
		}
	}
	return out
}

// teeResponseWriter observes every byte written to the underlying
// ResponseWriter so the caller can derive usage from a streamed body
// without breaking the flush-as-it-arrives contract.
type teeResponseWriter struct {
	http.ResponseWriter
	sink *usageSSEScanner
}

func (t *teeResponseWriter) Write(p []byte) (int, error) {
	t.sink.observe(p)
	return t.ResponseWriter.Write(p)
}

func (t *teeResponseWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	keyInfo := authmw.FromContext(r.Context())
	if keyInfo == nil {
		writeCallerError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}
	if !s.rateLimit.Allow(keyInfo.ID, keyInfo.RateLimit) {
		writeCallerError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
		return
	}

	parsed, raw, err := parseBody(r)
	if err != nil {
		writeCallerError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	model, _ := parsed["model"].(string)
	isStream, _ := parsed["stream"].(bool)

	if isStream {
		s.handleMessagesStream(w, r, keyInfo.ID, model, raw)
		return
	}

	outcome, err := s.dispatch.Forward(r.Context(), raw)
	if err != nil {
		writeDispatchError(w, err, outcome)
		return
	}

	for k, v := range outcome.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(outcome.StatusCode)
	w.Write(outcome.Body)

	if outcome.StatusCode >= 200 && outcome.StatusCode < 300 {
		usage := usageFromResponse(outcome.Body)
		s.recordUsage(r, keyInfo.ID, model, usage)
	}
}

func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request, apiKeyID int64, model string, raw []byte) {
	scanner := &usageSSEScanner{}
	tee := &teeResponseWriter{ResponseWriter: w, sink: scanner}

	result, err := s.dispatch.ForwardStream(r.Context(), tee, raw)
	if err != nil {
		writeDispatchError(w, err, nil)
		return
	}
	if result.StatusCode != 0 && (result.StatusCode < 200 || result.StatusCode >= 300) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}
	if result.Completed {
		s.recordUsage(r, apiKeyID, model, scanner.result())
	}
}

func (s *Server) recordUsage(r *http.Request, apiKeyID int64, model string, u tokenUsage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	if err := s.usage.Record(r.Context(), apiKeyID, model, u.InputTokens, u.OutputTokens, nil); err != nil {
		slog.Error("record usage", "api_key_id", apiKeyID, "model", model, "error", err)
	}
}

func writeDispatchError(w http.ResponseWriter, err error, outcome *dispatcher.Outcome) {
	switch {
	case err == dispatcher.ErrAllDisabled:
		writeCallerError(w, http.StatusInternalServerError, "overloaded_error", "all accounts disabled or unhealthy")
	case outcome != nil && outcome.RateLimited:
		writeCallerError(w, http.StatusTooManyRequests, "rate_limit_error", "upstream rate limited")
	default:
		msg := "internal error"
		if err != nil {
			msg = err.Error()
		}
		writeCallerError(w, http.StatusInternalServerError, "api_error", msg)
	}
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	_, raw, err := parseBody(r)
	if err != nil {
		writeCallerError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	outcome, err := s.dispatch.Forward(r.Context(), raw)
	if err != nil {
		writeDispatchError(w, err, outcome)
		return
	}
	for k, v := range outcome.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(outcome.StatusCode)
	w.Write(outcome.Body)
}

type modelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := make([]modelInfo, 0, len(s.prices.Models))
	for id, mp := range s.prices.Models {
		models = append(models, modelInfo{ID: id, DisplayName: mp.DisplayName})
	}
	writeData(w, http.StatusOK, map[string]any{"data": models})
}
