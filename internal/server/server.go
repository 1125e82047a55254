// Package server wires the HTTP surface: the Anthropic-compatible
// caller routes and the admin routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirorelay/gateway/internal/authmw"
	"github.com/kirorelay/gateway/internal/config"
	"github.com/kirorelay/gateway/internal/dispatcher"
	"github.com/kirorelay/gateway/internal/errorlog"
	"github.com/kirorelay/gateway/internal/keystore"
	"github.com/kirorelay/gateway/internal/pool"
	"github.com/kirorelay/gateway/internal/price"
	"github.com/kirorelay/gateway/internal/ratelimit"
	"github.com/kirorelay/gateway/internal/ssoauth"
	"github.com/kirorelay/gateway/internal/token"
	"github.com/kirorelay/gateway/internal/transport"
	"github.com/kirorelay/gateway/internal/usage"
)

// Server is the gateway's HTTP server.
type Server struct {
	cfg        *config.Config
	pool       *pool.Pool
	tokens     *token.Manager
	dispatch   *dispatcher.Dispatcher
	authMw     *authmw.Middleware
	keys       *keystore.Store
	usage      *usage.Recorder
	prices     *price.Table
	errLog     *errorlog.Store
	rateLimit  *ratelimit.Manager
	transport  *transport.Manager
	httpServer *http.Server
	startTime  time.Time
}

// New assembles a Server from its already-constructed collaborators.
func New(
	cfg *config.Config,
	p *pool.Pool,
	tm *token.Manager,
	d *dispatcher.Dispatcher,
	authMw *authmw.Middleware,
	keys *keystore.Store,
	rec *usage.Recorder,
	prices *price.Table,
	errLog *errorlog.Store,
	rl *ratelimit.Manager,
	tr *transport.Manager,
) *Server {
	s := &Server{
		cfg:       cfg,
		pool:      p,
		tokens:    tm,
		dispatch:  d,
		authMw:    authMw,
		keys:      keys,
		usage:     rec,
		prices:    prices,
		errLog:    errLog,
		rateLimit: rl,
		transport: tr,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: int(cfg.MaxRequestBodyMB) << 20,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authMw.Authenticate
	admin := s.authMw.RequireAdmin

	// Caller surface
	mux.Handle("POST /v1/messages", auth(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", auth(http.HandlerFunc(s.handleCountTokens)))
	mux.Handle("GET /v1/models", auth(http.HandlerFunc(s.handleListModels)))

	// Admin: pool/accounts
	mux.Handle("GET /admin/pool/status", admin(http.HandlerFunc(s.handlePoolStatus)))
	mux.Handle("GET /admin/accounts", admin(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /admin/accounts", admin(http.HandlerFunc(s.handleAddAccount)))
	mux.Handle("POST /admin/accounts/remove", admin(http.HandlerFunc(s.handleRemoveAccount)))
	mux.Handle("POST /admin/accounts/refresh", admin(http.HandlerFunc(s.handleRefreshAccount)))
	mux.Handle("POST /admin/accounts/reset", admin(http.HandlerFunc(s.handleResetAccount)))
	mux.Handle("POST /admin/accounts/check", admin(http.HandlerFunc(s.handleCheckAccount)))
	mux.Handle("POST /admin/accounts/batch-check", admin(http.HandlerFunc(s.handleBatchCheckAccounts)))
	mux.Handle("POST /admin/accounts/import-sso", admin(http.HandlerFunc(s.handleImportSSO)))
	mux.Handle("POST /admin/accounts/credentials", admin(http.HandlerFunc(s.handleExportCredentials)))
	mux.Handle("GET /admin/config", admin(http.HandlerFunc(s.handleConfig)))

	// Admin: API keys
	mux.Handle("GET /admin/api-keys", admin(http.HandlerFunc(s.handleListAPIKeys)))
	mux.Handle("POST /admin/api-keys", admin(http.HandlerFunc(s.handleCreateAPIKey)))
	mux.Handle("PUT /admin/api-keys/{id}", admin(http.HandlerFunc(s.handleUpdateAPIKey)))
	mux.Handle("DELETE /admin/api-keys/{id}", admin(http.HandlerFunc(s.handleDeleteAPIKey)))

	// Admin: usage
	mux.Handle("GET /admin/usage", admin(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /admin/usage/export", admin(http.HandlerFunc(s.handleUsageExport)))

	// Admin: error logs
	mux.Handle("GET /admin/error-logs", admin(http.HandlerFunc(s.handleListErrorLogs)))
	mux.Handle("DELETE /admin/error-logs", admin(http.HandlerFunc(s.handleClearErrorLogs)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the HTTP server and its background loops, blocking until a
// shutdown signal arrives or the server fails.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		s.transport.Close()
		s.rateLimit.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// envelope is the admin surface's uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

func writeCallerError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, errType, message)
}
