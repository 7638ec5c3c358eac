package api

import (
	"net/http"

	"github.com/bellmanhq/bellman/pkg/types"
)

const (
	executionsDefaultLimit = 100
	executionsMaxLimit     = 1000
	errorsDefaultLimit     = 50
	errorsMaxLimit         = 500
)

func (s *Server) executionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := queryInt(r, "limit", executionsDefaultLimit)
	if limit > executionsMaxLimit {
		limit = executionsMaxLimit
	}

	q := r.URL.Query()
	handlerID := q.Get("handler_id")
	jobID := q.Get("job_id")
	status := q.Get("status")

	var records []types.ExecutionRecord
	switch {
	case jobID != "":
		records = s.execLog.ByJob(jobID, limit)
	case handlerID != "":
		records = s.execLog.ByHandler(handlerID, limit)
	default:
		records = s.execLog.Recent(limit)
	}

	if status != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []types.ExecutionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"limit":   limit,
		"records": records,
	})
}

func (s *Server) executionStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.execLog.GetStats())
}

func (s *Server) executionErrorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := queryInt(r, "limit", errorsDefaultLimit)
	if limit > errorsMaxLimit {
		limit = errorsMaxLimit
	}

	errs := s.execLog.Errors(limit)
	if errs == nil {
		errs = []types.ExecutionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(errs),
		"errors": errs,
	})
}

func (s *Server) executionClearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.execLog.Clear()
	s.logger.Info().Msg("execution log cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
