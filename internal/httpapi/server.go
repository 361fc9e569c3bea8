// Package httpapi exposes a read-only status API for a running famsync daemon.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
	"famsync/internal/scheduler"
)

const requestTimeout = 10 * time.Second

// Engine is the subset of engine.Service the API reads from
type Engine interface {
	CheckRemote(ctx context.Context) error
	ListBackups(ctx context.Context, familyID string) ([]*model.Backup, error)
	ListSyncRuns(ctx context.Context, familyID string) ([]*model.SyncRun, error)
	GetSyncRun(ctx context.Context, runID string) (*model.SyncRun, error)
	ListConflicts(ctx context.Context, familyID string, pendingOnly bool) ([]*model.Conflict, error)
	PendingScheduled() []scheduler.Entry
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

type server struct {
	engine  Engine
	version string
	logger  *logging.Logger
}

// NewRouter builds the status router. gatherer may be nil to omit /metrics.
func NewRouter(engine Engine, gatherer prometheus.Gatherer, version string, logger *logging.Logger) http.Handler {
	s := &server{engine: engine, version: version, logger: logging.OrDefault(logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Get("/readiness", s.readiness)
	r.Get("/version", s.versionInfo)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/schedule", s.schedule)
		r.Get("/runs/{runID}", s.run)
		r.Route("/families/{familyID}", func(r chi.Router) {
			r.Get("/backups", s.backups)
			r.Get("/runs", s.runs)
			r.Get("/conflicts", s.conflicts)
		})
	})
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readiness always succeeds for a local-first engine; the remote state is informational
func (s *server) readiness(w http.ResponseWriter, r *http.Request) {
	remote := "online"
	if err := s.engine.CheckRemote(r.Context()); err != nil {
		remote = "offline"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "remote": remote})
}

func (s *server) versionInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *server) schedule(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.PendingScheduled())
}

func (s *server) run(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetSyncRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *server) backups(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListBackups(r.Context(), chi.URLParam(r, "familyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *server) runs(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListSyncRuns(r.Context(), chi.URLParam(r, "familyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *server) conflicts(w http.ResponseWriter, r *http.Request) {
	pendingOnly := r.URL.Query().Get("all") != "true"
	list, err := s.engine.ListConflicts(r.Context(), chi.URLParam(r, "familyID"), pendingOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsValidation(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Type: string(apperrors.GetErrorType(err))})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to encode response")
	}
}
