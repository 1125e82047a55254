package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/kirorelay/gateway/internal/pool"
	"github.com/kirorelay/gateway/internal/ssoauth"
)

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}

type accountInfo struct {
	Name         string     `json:"name"`
	Healthy      bool       `json:"healthy"`
	RequestCount uint64     `json:"request_count"`
	FailureCount uint64     `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	UsageRatio   *float64   `json:"usage_ratio,omitempty"`
	Region       string     `json:"region,omitempty"`
	Email        string     `json:"email,omitempty"`
}

func toAccountInfo(a *pool.Account) accountInfo {
	info := accountInfo{
		Name:         a.Name,
		Healthy:      a.Healthy(),
		RequestCount: a.RequestCount(),
		FailureCount: a.FailureCount(),
		LastFailure:  a.LastFailure(),
	}
	if ratio, ok := a.UsageRatio(); ok {
		info.UsageRatio = &ratio
	}
	creds := a.Credentials()
	info.Region = creds.Region
	info.Email = creds.Email
	return info
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.GetAllAccounts()
	views := make([]accountInfo, 0, len(accounts))
	var total uint64
	for _, a := range accounts {
		views = append(views, toAccountInfo(a))
		total += a.RequestCount()
	}
	writeData(w, http.StatusOK, map[string]any{
		"total":          s.pool.AccountCount(),
		"healthy":        s.pool.HealthyCount(),
		"total_requests": total,
		"accounts":       views,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.GetAllAccounts()
	views := make([]accountInfo, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountInfo(a))
	}
	writeData(w, http.StatusOK, views)
}

type addAccountRequest struct {
	Name        string           `json:"name"`
	Credentials pool.Credentials `json:"credentials"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	path := s.credentialPath(req.Name)
	if err := pool.SaveCredentials(path, req.Credentials); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to persist credentials: "+err.Error())
		return
	}

	acct := pool.NewAccount(req.Name, path, req.Credentials)
	if err := s.pool.AddAccount(acct); err != nil {
		writeAdminError(w, http.StatusConflict, err.Error())
		return
	}
	writeData(w, http.StatusOK, toAccountInfo(acct))
}

func (s *Server) credentialPath(name string) string {
	return s.cfg.CredentialsDir + "/" + name + ".json"
}

type removeAccountRequest struct {
	Name       string `json:"name"`
	DeleteFile bool   `json:"delete_file"`
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	var req removeAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, ok := s.pool.Get(req.Name)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	s.pool.RemoveAccount(req.Name)
	if req.DeleteFile {
		_ = removeFile(acct.Path)
	}
	writeData(w, http.StatusOK, map[string]string{"removed": req.Name})
}

type accountNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	var req accountNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, ok := s.pool.Get(req.Name)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	token, err := s.tokens.EnsureValidToken(r.Context(), acct)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{"name": acct.Name, "access_token_prefix": shortPrefix(token)})
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	var req accountNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, ok := s.pool.Get(req.Name)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	acct.MarkHealthy()
	writeData(w, http.StatusOK, toAccountInfo(acct))
}

func (s *Server) handleCheckAccount(w http.ResponseWriter, r *http.Request) {
	var req accountNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, ok := s.pool.Get(req.Name)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	limits, err := s.tokens.GetUsageLimits(r.Context(), acct)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "usage check failed: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, limits)
}

type batchCheckRequest struct {
	Names []string `json:"names"`
}

func (s *Server) handleBatchCheckAccounts(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	results := make(map[string]any, len(req.Names))
	for _, name := range req.Names {
		acct, ok := s.pool.Get(name)
		if !ok {
			results[name] = map[string]string{"error": "account not found"}
			continue
		}
		limits, err := s.tokens.GetUsageLimits(r.Context(), acct)
		if err != nil {
			results[name] = map[string]string{"error": err.Error()}
			continue
		}
		results[name] = limits
	}
	writeData(w, http.StatusOK, results)
}

type importSSORequest struct {
	Name      string `json:"name"`
	SSOToken  string `json:"sso_token"`
	Region    string `json:"region"`
	AddToPool bool   `json:"add_to_pool"`
}

// handleImportSSO drives the device-authorization exchange for a new
// account. sso_token carries the SSO portal start URL the operator wants
// to authorize against (the field name is the caller-facing contract;
// its content is a start URL, not a bearer token, since the admin caller
// never holds one before this call completes).
func (s *Server) handleImportSSO(w http.ResponseWriter, r *http.Request) {
	var req importSSORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.SSOToken == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	region := req.Region
	if region == "" {
		region = s.cfg.DefaultRegion
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SSOPollTimeout+30*time.Second)
	defer cancel()

	flow := ssoauth.New(&http.Client{Timeout: s.cfg.SSOPollTimeout + 30*time.Second}, region)
	imported, err := flow.Import(ctx, req.Name, req.SSOToken)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "sso import failed: "+err.Error())
		return
	}

	path := s.credentialPath(imported.Name)
	if err := pool.SaveCredentials(path, imported.Credentials); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to persist credentials: "+err.Error())
		return
	}

	if !req.AddToPool {
		writeData(w, http.StatusOK, map[string]string{"name": imported.Name, "status": "imported"})
		return
	}

	acct := pool.NewAccount(imported.Name, path, imported.Credentials)
	if err := s.pool.AddAccount(acct); err != nil {
		writeAdminError(w, http.StatusConflict, err.Error())
		return
	}
	writeData(w, http.StatusOK, toAccountInfo(acct))
}

type exportCredentialsRequest struct {
	Names []string `json:"names"`
}

func (s *Server) handleExportCredentials(w http.ResponseWriter, r *http.Request) {
	var req exportCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out := make(map[string]pool.Credentials, len(req.Names))
	for _, name := range req.Names {
		acct, ok := s.pool.Get(name)
		if !ok {
			continue
		}
		out[name] = acct.Credentials()
	}
	writeData(w, http.StatusOK, out)
}

type configInfo struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	CredentialsDir      string `json:"credentials_dir"`
	FailureCooldownSecs int    `json:"failure_cooldown_secs"`
	MaxFailures         int    `json:"max_failures"`
	DefaultRegion       string `json:"default_region"`
	KiroVersion         string `json:"kiro_version"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, configInfo{
		Host:                s.cfg.Host,
		Port:                s.cfg.Port,
		CredentialsDir:      s.cfg.CredentialsDir,
		FailureCooldownSecs: s.cfg.FailureCooldownSecs,
		MaxFailures:         s.cfg.MaxFailures,
		DefaultRegion:       s.cfg.DefaultRegion,
		KiroVersion:         s.cfg.KiroVersion,
	})
}

func shortPrefix(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}
