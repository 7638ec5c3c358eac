package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bellmanhq/bellman/pkg/dispatch"
	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/registry"
	"github.com/bellmanhq/bellman/pkg/store"
	"github.com/bellmanhq/bellman/pkg/trigger"
	"github.com/bellmanhq/bellman/pkg/types"
)

// addScheduleRequest is the POST /api/schedule body. The public field name
// for the schedule identifier is job_id.
type addScheduleRequest struct {
	HandlerID        string         `json:"handler_id"`
	JobMethod        string         `json:"job_method"`
	JobParams        map[string]any `json:"job_params"`
	Trigger          map[string]any `json:"trigger"`
	JobID            string         `json:"job_id"`
	MisfireGraceTime float64        `json:"misfire_grace_time"` // seconds
	Coalesce         string         `json:"coalesce"`
	MaxJitter        float64        `json:"max_jitter"` // seconds
	MaxAttempts      int            `json:"max_attempts"`
	ReplaceExisting  bool           `json:"replace_existing"`
}

func (s *Server) addScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req addScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.HandlerID == "" || req.JobMethod == "" {
		writeError(w, http.StatusBadRequest, "handler_id and job_method are required")
		return
	}
	// Zero means unlimited grace; negative has no meaning
	if req.MisfireGraceTime < 0 {
		writeError(w, http.StatusBadRequest, "misfire_grace_time must not be negative")
		return
	}

	handler, err := s.registry.Get(req.HandlerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "handler %s not registered", req.HandlerID)
		return
	}
	// Best-effort typo check; the authoritative method check is at call time
	if !handler.HasMethod(req.JobMethod) {
		writeError(w, http.StatusBadRequest, "method %q not exposed by handler %s", req.JobMethod, req.HandlerID)
		return
	}

	trig, err := trigger.ParseJSON(req.Trigger)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger: %v", err)
		return
	}

	now := time.Now()
	next, err := trigger.Next(*trig, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger: %v", err)
		return
	}
	if next == nil {
		writeError(w, http.StatusBadRequest, "trigger never fires")
		return
	}

	schedule := &types.Schedule{
		ID:               req.JobID,
		HandlerID:        req.HandlerID,
		Method:           req.JobMethod,
		Params:           req.JobParams,
		Trigger:          *trig,
		NextFireTime:     next,
		MisfireGraceTime: time.Duration(req.MisfireGraceTime * float64(time.Second)),
		Coalesce:         types.CoalescePolicy(req.Coalesce),
		MaxJitter:        time.Duration(req.MaxJitter * float64(time.Second)),
		MaxAttempts:      req.MaxAttempts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.Coalesce == "" {
		schedule.Coalesce = types.CoalesceLatest
	}

	if err := s.store.Put(schedule, req.ReplaceExisting); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "schedule %s already exists", schedule.ID)
			return
		}
		s.logger.Error().Err(err).Msg("failed to persist schedule")
		writeError(w, http.StatusInternalServerError, "failed to persist schedule")
		return
	}

	s.bus.Publish(&events.Event{
		Type:       events.EventScheduleAdded,
		ScheduleID: schedule.ID,
		HandlerID:  schedule.HandlerID,
	})
	s.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("handler_id", schedule.HandlerID).
		Str("method", schedule.Method).
		Time("next_fire_time", *next).
		Msg("schedule added")

	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "success",
		"job_id": schedule.ID,
	})
}

// runNowRequest is the POST /api/run_now body
type runNowRequest struct {
	HandlerID string         `json:"handler_id"`
	JobMethod string         `json:"job_method"`
	JobParams map[string]any `json:"job_params"`
}

func (s *Server) runNowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req runNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.HandlerID == "" || req.JobMethod == "" {
		writeError(w, http.StatusBadRequest, "handler_id and job_method are required")
		return
	}

	res, err := s.engine.RunNow(r.Context(), req.HandlerID, req.JobMethod, req.JobParams)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "handler %s not registered", req.HandlerID)
		case errors.Is(err, dispatch.ErrDraining):
			writeError(w, http.StatusServiceUnavailable, "coordinator is shutting down")
		default:
			writeError(w, http.StatusInternalServerError, "run_now failed: %v", err)
		}
		return
	}

	if res.Err != nil {
		// Terminal failure after retries; surface the final error string
		writeError(w, http.StatusBadRequest, "%v", res.Err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"job_id": res.Job.ID,
		"result": res.Result,
	})
}

// pagination echoes the window of a list response
type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Server) listSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := store.ListFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_time: %v", err)
			return
		}
		filter.StartTime = t
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_time: %v", err)
			return
		}
		filter.EndTime = t
	}

	schedules, total, err := s.store.List(filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list schedules")
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"pagination": pagination{
			Total:  total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		},
	})
}

func (s *Server) scheduleByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		schedule, err := s.store.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "schedule %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, schedule)

	case http.MethodDelete:
		// Remove is idempotent, so existence is checked separately for the 404
		if _, err := s.store.Get(id); err != nil {
			writeError(w, http.StatusNotFound, "schedule %s not found", id)
			return
		}
		if err := s.store.Remove(id); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", id).Msg("failed to remove schedule")
			writeError(w, http.StatusInternalServerError, "failed to remove schedule")
			return
		}
		s.bus.Publish(&events.Event{
			Type:       events.EventScheduleRemoved,
			ScheduleID: id,
		})
		s.logger.Info().Str("schedule_id", id).Msg("schedule removed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// queryInt parses a positive integer query parameter with a default. Zero
// falls back to the default too: a zero limit would otherwise reach the
// store as "unbounded".
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
