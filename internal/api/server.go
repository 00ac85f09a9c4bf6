// Package api exposes the orchestrator to the web application over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/model"
	"github.com/galadd/labwarden/internal/orchestrator"
	"github.com/galadd/labwarden/internal/registry"
	"github.com/galadd/labwarden/internal/runtime"
)

type Service interface {
	StartOrReuse(ctx context.Context, userID int64, slug string, labID int64) (*model.Instance, bool, error)
	Stop(ctx context.Context, instanceID string) (*model.Instance, error)
	StopFor(ctx context.Context, userID, labID int64) (*model.Instance, error)
	Status(ctx context.Context, instanceID string) (*model.Instance, error)
	StatusFor(ctx context.Context, userID, labID int64) (orchestrator.Access, error)
	ListForUser(ctx context.Context, userID int64) ([]*model.Instance, error)
	CleanupExpired(ctx context.Context, now time.Time) (orchestrator.Report, error)
	CleanupForUser(ctx context.Context, userID int64) (orchestrator.Report, error)
	Orphans(ctx context.Context) ([]runtime.ContainerSummary, error)
	EngineAvailable(ctx context.Context) bool
}

type startRequest struct {
	UserID int64 `json:"user_id"`
	LabID  int64 `json:"lab_id"`
}

type stopRequest struct {
	UserID int64 `json:"user_id"`
}

type instanceResponse struct {
	Instance *model.Instance `json:"instance"`
	Message  string          `json:"message,omitempty"`
}

type resultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type instancesResponse struct {
	Instances []*model.Instance `json:"instances"`
}

type orphansResponse struct {
	Containers []runtime.ContainerSummary `json:"containers"`
}

type healthResponse struct {
	Engine bool `json:"engine"`
}

type Server struct {
	svc    Service
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(svc Service, logger *slog.Logger) *Server {
	return &Server{
		svc:    svc,
		logger: logging.Ensure(logger).With("component", "api"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /labs/{slug}/start", s.handleStart)
	mux.HandleFunc("POST /labs/{labID}/stop", s.handleStopFor)
	mux.HandleFunc("GET /labs/{labID}/status", s.handleStatusFor)

	mux.HandleFunc("GET /instances/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /instances/{id}", s.handleStop)
	mux.HandleFunc("GET /users/{userID}/instances", s.handleListForUser)

	mux.HandleFunc("POST /admin/cleanup/expired", s.handleCleanupExpired)
	mux.HandleFunc("POST /admin/cleanup/users/{userID}", s.handleCleanupForUser)
	mux.HandleFunc("GET /admin/orphans", s.handleOrphans)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.logRequests(mux)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.LabID <= 0 {
		s.badRequest(w, "user_id and lab_id are required")
		return
	}

	inst, reused, err := s.svc.StartOrReuse(r.Context(), req.UserID, r.PathValue("slug"), req.LabID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	message := "Lab started successfully"
	if reused {
		message = "Instance already running"
	}
	s.writeJSON(w, http.StatusOK, instanceResponse{Instance: inst, Message: message})
}

func (s *Server) handleStopFor(w http.ResponseWriter, r *http.Request) {
	labID, ok := s.pathID(w, r, "labID")
	if !ok {
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		s.badRequest(w, "user_id is required")
		return
	}

	if _, err := s.svc.StopFor(r.Context(), req.UserID, labID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: "Lab stopped"})
}

func (s *Server) handleStatusFor(w http.ResponseWriter, r *http.Request) {
	labID, ok := s.pathID(w, r, "labID")
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		s.badRequest(w, "user_id parameter required")
		return
	}

	access, err := s.svc.StatusFor(r.Context(), userID, labID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, access)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, instanceResponse{Instance: inst, Message: inst.Message})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Stop(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: "Lab stopped"})
}

func (s *Server) handleListForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}

	list, err := s.svc.ListForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*model.Instance{}
	}
	s.writeJSON(w, http.StatusOK, instancesResponse{Instances: list})
}

func (s *Server) handleCleanupExpired(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.CleanupExpired(r.Context(), s.now())
	s.writeReport(w, report, err)
}

func (s *Server) handleCleanupForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	report, err := s.svc.CleanupForUser(r.Context(), userID)
	s.writeReport(w, report, err)
}

// writeReport answers 200 whenever the pass ran; per-instance failures are in
// the report itself.
func (s *Server) writeReport(w http.ResponseWriter, report orchestrator.Report, err error) {
	if err != nil && len(report.Results) == 0 {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("cleanup finished with failures", "failed", report.Failed(), "error", err)
	}
	if report.Results == nil {
		report.Results = []orchestrator.Result{}
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.svc.Orphans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if orphans == nil {
		orphans = []runtime.ContainerSummary{}
	}
	s.writeJSON(w, http.StatusOK, orphansResponse{Containers: orphans})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Engine: s.svc.EngineAvailable(r.Context())})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(w, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, resultResponse{Message: message})
}

// writeError never exposes internal error text beyond what Describe allows.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, message := orchestrator.Describe(err)

	status := http.StatusInternalServerError
	switch kind {
	case orchestrator.Unavailable:
		status = http.StatusServiceUnavailable
	case orchestrator.Invalid:
		status = http.StatusBadRequest
		if errors.Is(err, registry.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	s.writeJSON(w, status, resultResponse{Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
