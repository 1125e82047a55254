package server

import "net/http"

func (s *Server) handleListErrorLogs(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.errLog.List())
}

func (s *Server) handleClearErrorLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.errLog.Clear(); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to clear error logs: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"cleared": true})
}
