package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kirorelay/gateway/internal/keystore"
)

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	writeData(w, http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RateLimit *int       `json:"rate_limit,omitempty"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, fullKey, err := s.keys.Create(r.Context(), req.Name, req.ExpiresAt, req.RateLimit)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to create api key: "+err.Error())
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"id": id, "key": fullKey})
}

type updateAPIKeyRequest struct {
	Name      *string    `json:"name,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RateLimit *int       `json:"rate_limit,omitempty"`
}

func (s *Server) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req updateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := keystore.UpdateFields{Name: req.Name, Enabled: req.Enabled}
	if req.ExpiresAt != nil {
		fields.ExpiresAt = &req.ExpiresAt
	}
	if req.RateLimit != nil {
		fields.RateLimit = &req.RateLimit
	}

	if err := s.keys.Update(r.Context(), id, fields); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to update api key: "+err.Error())
		return
	}
	key, err := s.keys.GetByID(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "api key not found")
		return
	}
	writeData(w, http.StatusOK, key)
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid id")
		return
	}
	deleted, err := s.keys.Delete(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to delete api key: "+err.Error())
		return
	}
	if !deleted {
		writeAdminError(w, http.StatusNotFound, "api key not found")
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"deleted": id})
}
