// Package httpapi exposes the read-only status/estimate surface an
// operator dashboard polls, plus a WebSocket push of workflow lifecycle
// notifications, grounded on the teacher's gorilla/mux + gorilla/websocket
// gateway wiring (SPEC_FULL §6 [ADDED] "Status/admin surface").
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lobster-sched/lobster/internal/platform/logger"
	authmw "github.com/lobster-sched/lobster/internal/platform/middleware"
	"github.com/lobster-sched/lobster/internal/store"
	corsMiddleware "github.com/lobster-sched/lobster/pkg/middleware"
)

// Querier is the subset of internal/store's Store the API reads from.
type Querier interface {
	WorkflowStatus(ctx context.Context) ([]store.WorkflowStatus, error)
	WorkflowInfo(ctx context.Context, label string) (*store.Workflow, error)
	EstimateTasksLeft(ctx context.Context) (int64, error)
	Merged(ctx context.Context) (bool, error)
}

// Config bounds the HTTP server.
type Config struct {
	Addr            string
	JWTSecret       []byte
	RateLimitPerMin int
	AllowedOrigins  []string
}

// Server wires the status/estimate handlers and the lifecycle-event hub
// behind a gorilla/mux router.
type Server struct {
	http  *http.Server
	hub   *Hub
	store Querier
	log   logger.Logger
}

// New builds a Server; call Hub() to obtain the push target for lifecycle
// notifications and Start/Shutdown to run it.
func New(cfg Config, q Querier, log logger.Logger) *Server {
	hub := NewHub()
	router := mux.NewRouter()

	s := &Server{store: q, log: log, hub: hub}

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/status/{label}", s.handleWorkflowStatus).Methods(http.MethodGet)
	router.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodGet)
	router.Handle("/ws", NewWebSocketHandler(hub)).Methods(http.MethodGet)

	var handler http.Handler = router
	handler = corsMiddleware.CORS(&corsMiddleware.CORSConfig{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	})(handler)
	handler = corsMiddleware.RateLimit(&corsMiddleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitPerMin,
		BurstSize:         cfg.RateLimitPerMin * 2,
		SkipPaths:         []string{"/healthz", "/metrics"},
	})(handler)
	handler = corsMiddleware.RequestID(handler)
	if len(cfg.JWTSecret) > 0 {
		handler = authmw.NewAuthMiddleware(cfg.JWTSecret).Middleware(handler)
	}
	handler = authmw.SecurityHeaders()(handler)
	handler = corsMiddleware.SimpleRecovery(handler)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Hub exposes the lifecycle-notification push target for callers (the
// task dispatcher in cmd/lobster-core) to broadcast onto.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub loop and the HTTP listener in background goroutines.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("httpapi server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.WorkflowStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": statuses})
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]
	wf, err := s.store.WorkflowInfo(r.Context(), label)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	left, err := s.store.EstimateTasksLeft(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	merged, err := s.store.Merged(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasksLeft": left,
		"merged":    merged,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
