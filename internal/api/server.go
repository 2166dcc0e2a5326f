// Package api exposes the engine over HTTP: inbound jobs, audit reads, the
// progress stream and the admin resume/stop controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/audit"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/monitoring"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// Deps are the collaborators of a Server. Hub and Collector are optional.
type Deps struct {
	Store       store.Store
	Queue       queue.Queue
	Hub         *audit.Hub
	Collector   *monitoring.Collector
	CORSOrigins []string
}

// Server handles the HTTP surface.
type Server struct {
	store     store.Store
	queue     queue.Queue
	hub       *audit.Hub
	collector *monitoring.Collector
	origins   []string

	keepAlive time.Duration
	nowFunc   func() time.Time
}

// New returns a Server.
func New(d Deps) *Server {
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:     d.Store,
		queue:     d.Queue,
		hub:       d.Hub,
		collector: d.Collector,
		origins:   origins,
		keepAlive: 15 * time.Second,
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/audits", s.handleList)
	r.Route("/audits/{id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Get("/events", s.handleEvents)
		r.Get("/report", s.handleReport)
		r.Get("/export.xlsx", s.handleExport)
		r.Get("/reprocess-log", s.handleReprocessLog)
		r.Post("/resume", s.handleResume)
		r.Post("/stop", s.handleStop)
	})
	return r
}

// Serve runs the API on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("starting api server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	if s.collector != nil && r.URL.Query().Get("metrics") != "" {
		snap, err := s.collector.Collect(r.Context(), 24)
		if err != nil {
			writeError(w, err)
			return
		}
		body["metrics"] = snap
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var job model.AuditJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if job.CompanyID == "" {
		writeMessage(w, http.StatusBadRequest, "company_id is required")
		return
	}
	if job.ResumeFromPhase != "" && !job.ResumeFromPhase.Valid() {
		writeMessage(w, http.StatusBadRequest, "unknown resume_from_phase "+strconv.Quote(string(job.ResumeFromPhase)))
		return
	}
	if job.Source == "" {
		job.Source = "api"
	}
	if job.AuditID == "" {
		job.AuditID = uuid.New().String()
	}

	ctx := r.Context()
	a, err := s.store.GetAudit(ctx, job.AuditID)
	switch {
	case resilience.IsNotFound(err):
		if job.IsResume() {
			writeError(w, err)
			return
		}
		if _, err := s.store.GetCompany(ctx, job.CompanyID); err != nil {
			writeError(w, err)
			return
		}
		a, err = s.store.CreateAudit(ctx, model.Audit{
			ID:         job.AuditID,
			CompanyID:  job.CompanyID,
			QueryCount: job.QueryCount,
			CreatedAt:  s.nowFunc(),
		})
		if err != nil {
			writeError(w, err)
			return
		}
	case err != nil:
		writeError(w, err)
		return
	case a.CompanyID != job.CompanyID:
		writeMessage(w, http.StatusConflict, "audit belongs to another company")
		return
	}

	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		writeError(w, err)
		return
	}
	zap.L().Info("job enqueued",
		zap.String("audit_id", job.AuditID),
		zap.String("job_id", jobID),
		zap.String("source", job.Source),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"job_id":   jobID,
		"audit_id": a.ID,
		"state":    a.State,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{Kind: q.Get("kind"), CompanyID: q.Get("company_id")}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	audits, err := s.store.ListAudits(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if audits == nil {
		audits = []model.Audit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAudit(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.store.GetExecutiveSummary(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit":            a,
		"percent_complete": a.State.Percent(),
		"summary":          sum,
	})
}

func (s *Server) handleReprocessLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetAudit(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.store.ListReprocessLog(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.ReprocessLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleResume re-queues an in-flight audit. The worker that picks the job
// up re-enters at the last durable stage.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAudit(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.State.IsTerminal() {
		writeMessage(w, http.StatusConflict, "audit is "+a.State.Kind().String())
		return
	}

	job := model.AuditJob{
		AuditID:    a.ID,
		CompanyID:  a.CompanyID,
		QueryCount: a.QueryCount,
		Source:     string(model.TriggerManual),
	}
	if phase, ok := a.State.Phase(); ok {
		job.ResumeFromPhase = phase
	}
	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		writeError(w, err)
		return
	}

	entry := model.ReprocessLogEntry{
		ID:          uuid.New().String(),
		AuditID:     a.ID,
		Attempt:     a.ReprocessCount,
		Reason:      "manual resume",
		TriggeredBy: model.TriggerManual,
		StateBefore: a.State.String(),
		StateAfter:  a.State.String(),
		CreatedAt:   s.nowFunc(),
	}
	if err := s.store.AppendReprocessLog(ctx, entry); err != nil {
		zap.L().Warn("resume: reprocess log append failed", zap.String("audit_id", a.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":            "accepted",
		"job_id":            jobID,
		"audit_id":          a.ID,
		"resume_from_phase": job.ResumeFromPhase,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAudit(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.State.IsTerminal() {
		writeMessage(w, http.StatusConflict, "audit is "+a.State.Kind().String())
		return
	}
	if err := s.store.RequestStop(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	zap.L().Info("stop requested", zap.String("audit_id", id))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "stop_requested", "audit_id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the engine's error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var invalid *audit.InvalidTransitionError
	switch {
	case resilience.IsNotFound(err):
		writeMessage(w, http.StatusNotFound, err.Error())
	case resilience.IsConflict(err), errors.As(err, &invalid):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
