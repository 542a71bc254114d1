package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/complaint-orchestrator/internal/config"
	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/monitoring"
	"github.com/sells-group/complaint-orchestrator/internal/pipeline"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

// apiServer bundles the dependencies the HTTP handlers need.
type apiServer struct {
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator
	store        store.Store
	collector    *monitoring.Collector
}

func newAPIServer(cfg *config.Config, o *pipeline.Orchestrator, st store.Store) *apiServer {
	return &apiServer{
		cfg:          cfg,
		orchestrator: o,
		store:        st,
		collector:    monitoring.NewCollector(st, time.Duration(cfg.Pipeline.StuckTimeoutSecs)*time.Second),
	}
}

// newRouter builds the chi router. The health endpoint is the only route
// outside the authenticated group.
func (s *apiServer) newRouter(limiter *tenant.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(tenant.Middleware(s.cfg.Auth.JWTSecret))
		r.Use(tenant.RateLimit(limiter))

		r.Post("/complaints", s.handleSubmit)
		r.Get("/complaints/{id}/status", s.handleStatus)
		r.Get("/complaints/{id}/analysis", s.handleAnalysis)
		r.Post("/complaints/{id}/cancel", s.handleCancel)
		r.Post("/complaints/{id}/feedback", s.handleFeedback)
		r.Get("/runs", s.handleListRuns)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Get("/metrics", s.handleMetrics)
	})

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	var req pipeline.Submission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.orchestrator.Submit(r.Context(), tc, req)
	if err != nil {
		s.writePipelineError(w, tc, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"complaint_id": run.ComplaintID,
		"state":        run.State,
		"status_url":   "/v1/complaints/" + run.ComplaintID + "/status",
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	status, err := s.orchestrator.Status(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		s.writePipelineError(w, tc, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	analysis, err := s.orchestrator.Analysis(r.Context(), tc, chi.URLParam(r, "id"))
	if err != nil {
		s.writePipelineError(w, tc, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	if err := s.orchestrator.Cancel(r.Context(), tc, chi.URLParam(r, "id")); err != nil {
		s.writePipelineError(w, tc, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "cancelled"})
}

func (s *apiServer) handleFeedback(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fb, duplicate, err := s.orchestrator.RecordFeedback(r.Context(), tc,
		chi.URLParam(r, "id"), req.Rating, req.Comment, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writePipelineError(w, tc, err)
		return
	}

	code := http.StatusCreated
	if duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"feedback_id": fb.ID, "duplicate": duplicate})
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	filter := store.RunFilter{TenantID: tc.TenantID, Limit: 100}
	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = model.RunState(state)
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *apiServer) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	entries, err := s.store.ListDeadLetters(r.Context(), resilience.DeadLetterFilter{
		TenantID: tc.TenantID,
		Limit:    100,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list dead letters failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), s.cfg.Monitoring.LookbackWindowHours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "metrics collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// writePipelineError maps orchestrator errors onto HTTP statuses. Tenant
// isolation reads as a plain 404 so the response leaks nothing about the
// foreign resource; the violation is still logged and audited server-side.
func (s *apiServer) writePipelineError(w http.ResponseWriter, tc tenant.Context, err error) {
	switch {
	case tenant.IsIsolation(err):
		zap.L().Warn("cross-tenant access rejected",
			zap.String("tenant_id", tc.TenantID),
			zap.Error(err))
		writeError(w, http.StatusNotFound, "complaint not found")
	case pipeline.IsNotFound(err):
		writeError(w, http.StatusNotFound, "complaint not found")
	case pipeline.IsNotReady(err):
		writeError(w, http.StatusConflict, err.Error())
	case pipeline.IsTooLarge(err):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case pipeline.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
