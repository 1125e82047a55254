package server

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/kirorelay/gateway/internal/usage"
)

func parseUsageFilters(r *http.Request) (usage.Filters, usage.GroupBy) {
	q := r.URL.Query()
	var f usage.Filters
	if v := q.Get("api_key_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.APIKeyID = &id
		}
	}
	f.Model = q.Get("model")
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.EndTime = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.Limit = &n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.Offset = &n
		}
	}
	groupBy := usage.GroupBy(q.Get("group_by"))
	switch groupBy {
	case usage.GroupByModel, usage.GroupByDay, usage.GroupByHour:
	default:
		groupBy = usage.GroupByNone
	}
	return f, groupBy
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	f, groupBy := parseUsageFilters(r)
	agg, err := s.usage.Aggregate(r.Context(), f, groupBy, s.prices)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to aggregate usage: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, agg)
}

func (s *Server) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	f, _ := parseUsageFilters(r)
	rows, err := s.usage.QueryForExport(r.Context(), f)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to export usage: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage_export.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"request_time", "api_key_id", "key_name", "model", "input_tokens", "output_tokens", "cost", "request_id"})
	for _, row := range rows {
		cost := 0.0
		if s.prices != nil {
			cost = s.prices.CalculateCost(row.Model, row.InputTokens, row.OutputTokens)
		}
		requestID := ""
		if row.RequestID != nil {
			requestID = *row.RequestID
		}
		cw.Write([]string{
			row.RequestTime.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.APIKeyID, 10),
			row.KeyName,
			row.Model,
			strconv.FormatInt(row.InputTokens, 10),
			strconv.FormatInt(row.OutputTokens, 10),
			strconv.FormatFloat(cost, 'f', 6, 64),
			requestID,
		})
	}
	cw.Flush()
}
