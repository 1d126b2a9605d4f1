package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/recovery"
)

// RecoveryHandler executes user-requested recovery actions.
type RecoveryHandler interface {
	Offered() []domain.RecoveryAction
	Execute(ctx context.Context, action domain.RecoveryAction, component string) error
}

// Server provides HTTP endpoints for health monitoring and manual recovery.
type Server struct {
	monitor  *Monitor
	recovery RecoveryHandler
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new health server. recovery may be nil, which disables
// the recovery endpoints.
func NewServer(monitor *Monitor, recovery RecoveryHandler, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		monitor:  monitor,
		recovery: recovery,
		logger:   logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	if s.recovery != nil {
		r.Get("/recovery", s.handleOffered)
		r.Post("/recovery/{action}", s.handleRecover)
	}
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Health server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Overall()

	code := http.StatusOK
	if status == domain.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

type detailedReport struct {
	Status         domain.HealthStatus        `json:"status"`
	CriticalErrors int                        `json:"critical_errors"`
	Components     map[string]ComponentHealth `json:"components"`
	Triggers       []TriggerState             `json:"triggers"`
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, detailedReport{
		Status:         s.monitor.Overall(),
		CriticalErrors: s.monitor.CriticalErrors(),
		Components:     s.monitor.Components(),
		Triggers:       s.monitor.Triggers(),
	})
}

func (s *Server) handleOffered(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.recovery.Offered()})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	action := domain.RecoveryAction(chi.URLParam(r, "action"))
	if !action.IsValid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown action %q", action)})
		return
	}

	component := r.URL.Query().Get("component")
	if err := s.recovery.Execute(r.Context(), action, component); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recovery.ErrUnavailable) {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]string{"action": string(action), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": string(action), "result": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
