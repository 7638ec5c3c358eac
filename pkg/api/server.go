// Package api exposes the coordinator's HTTP front-end: schedule CRUD,
// run-now dispatch, handler listing and the execution log queries.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bellmanhq/bellman/pkg/dispatch"
	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/execlog"
	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/metrics"
	"github.com/bellmanhq/bellman/pkg/registry"
	"github.com/bellmanhq/bellman/pkg/store"
)

// Server is the coordinator HTTP API
type Server struct {
	store    store.Store
	registry *registry.Registry
	engine   *dispatch.Engine
	execLog  *execlog.Log
	bus      *events.Bus
	logger   zerolog.Logger

	mux     *http.ServeMux
	httpSrv *http.Server
}

// NewServer wires the API routes
func NewServer(st store.Store, reg *registry.Registry, engine *dispatch.Engine, execLog *execlog.Log, bus *events.Bus) *Server {
	mux := http.NewServeMux()
	s := &Server{
		store:    st,
		registry: reg,
		engine:   engine,
		execLog:  execLog,
		bus:      bus,
		logger:   log.WithComponent("api"),
		mux:      mux,
	}

	mux.HandleFunc("/api/health", s.wrap("health", s.healthHandler))
	mux.HandleFunc("/api/handlers", s.wrap("handlers", s.handlersHandler))
	mux.HandleFunc("/api/schedule", s.wrap("schedule", s.addScheduleHandler))
	mux.HandleFunc("/api/run_now", s.wrap("run_now", s.runNowHandler))
	mux.HandleFunc("/api/schedules", s.wrap("schedules", s.listSchedulesHandler))
	mux.HandleFunc("/api/schedules/", s.wrap("schedules_id", s.scheduleByIDHandler))
	mux.HandleFunc("/api/executions", s.wrap("executions", s.executionsHandler))
	mux.HandleFunc("/api/executions/stats", s.wrap("executions_stats", s.executionStatsHandler))
	mux.HandleFunc("/api/executions/errors", s.wrap("executions_errors", s.executionErrorsHandler))
	mux.HandleFunc("/api/executions/clear", s.wrap("executions_clear", s.executionClearHandler))
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start serves the API on addr, blocking until Shutdown or failure
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // run_now waits for the job
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// GetHandler returns the mux for embedding in tests
func (s *Server) GetHandler() http.Handler {
	return s.mux
}

// errorBody is the error envelope on all non-2xx responses
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	var body errorBody
	body.Error.Code = status
	body.Error.Message = fmt.Sprintf(format, args...)
	writeJSON(w, status, body)
}

// statusRecorder captures the response code for the request counter
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap counts requests per route and refuses new work while draining
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if route != "health" && s.engine != nil && s.engine.State() != dispatch.StateRunning {
			writeError(w, http.StatusServiceUnavailable, "coordinator is shutting down")
			metrics.APIRequestsTotal.WithLabelValues(route, "503").Inc()
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlerView is a registry entry plus its live connectivity probe
type handlerView struct {
	HandlerID    string    `json:"handler_id"`
	Address      string    `json:"address"`
	Methods      []string  `json:"methods"`
	RegisteredAt time.Time `json:"registered_at"`
	LastUpdated  time.Time `json:"last_updated"`
	Status       string    `json:"status"`
	Alive        bool      `json:"alive"`
}

func (s *Server) handlersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	handlers := s.registry.List()
	views := make([]handlerView, 0, len(handlers))
	for _, h := range handlers {
		views = append(views, handlerView{
			HandlerID:    h.ID,
			Address:      h.Address,
			Methods:      h.Methods,
			RegisteredAt: h.RegisteredAt,
			LastUpdated:  h.LastUpdated,
			Status:       string(h.Status),
			Alive:        s.probeHandler(r.Context(), h.ID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"handlers": views})
}

// probeHandler pings the handler with a short timeout
func (s *Server) probeHandler(ctx context.Context, handlerID string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	client, err := s.registry.GetClient(ctx, handlerID)
	if err != nil {
		return false
	}
	return client.Ping(ctx) == nil
}
