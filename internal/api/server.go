package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
	"report-scheduler/internal/ratelimit"
	"report-scheduler/internal/telemetry"
	"report-scheduler/internal/tracker"
)

// Jobs is the registration and introspection surface the handlers call.
type Jobs interface {
	Register(ctx context.Context, nj models.NewJob) (models.Job, error)
	Status(ctx context.Context, id int64) (tracker.StatusView, error)
	Kill(ctx context.Context, id int64, principal string) error
	List(ctx context.Context, owner string) ([]models.Job, error)
	Logs(ctx context.Context, id int64) ([]models.LogEntry, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the report job API.
type Server struct {
	jobs    Jobs
	health  Pinger
	limiter ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(jobs Jobs, health Pinger, limiter ratelimit.Limiter, log zerolog.Logger) *Server {
	return &Server{
		jobs:    jobs,
		health:  health,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/logs", s.handleLogs)
		r.Post("/{id}/kill", s.handleKill)
		r.Delete("/{id}", s.handleKill)
	})
	return r
}

type registerRequest struct {
	Name    string    `json:"name"`
	Owner   string    `json:"owner"`
	DueTime time.Time `json:"due_time"`
	Query   string    `json:"query"`
}

type registerResponse struct {
	ID     int64         `json:"id"`
	Status models.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.WithHint(errs.Malformedf("invalid json: %v", err), "due_time must be RFC3339"))
		return
	}
	if req.Owner == "" {
		req.Owner = ownerFromRequest(r)
	}

	if s.limiter != nil && req.Owner != "" {
		allowed, _, err := s.limiter.Allow(r.Context(), req.Owner)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, errs.Mark(errs.Newf("owner %s is registering too fast", req.Owner), errs.ErrRateLimited))
			return
		}
	}

	job, err := s.jobs.Register(r.Context(), models.NewJob{
		Name:    req.Name,
		Owner:   req.Owner,
		DueTime: req.DueTime,
		Query:   req.Query,
	})
	if err != nil {
		s.logFailure(err, "register")
		writeError(w, err)
		return
	}
	telemetry.JobsRegistered.Inc()
	s.log.Info().Int64("job_id", job.ID).Str("owner", job.Owner).Time("due", job.DueTime).Msg("job registered")
	writeJSON(w, http.StatusCreated, registerResponse{ID: job.ID, Status: job.Status})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" && r.URL.Query().Get("all") != "true" {
		owner = ownerFromRequest(r)
	}
	jobs, err := s.jobs.List(r.Context(), owner)
	if err != nil {
		s.logFailure(err, "list")
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	view, err := s.jobs.Status(r.Context(), id)
	if err != nil {
		s.logFailure(err, "status")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	logs, err := s.jobs.Logs(r.Context(), id)
	if err != nil {
		s.logFailure(err, "logs")
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Kill(r.Context(), id, ownerFromRequest(r)); err != nil {
		s.logFailure(err, "kill")
		writeError(w, err)
		return
	}
	s.log.Info().Int64("job_id", id).Msg("job killed")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.StatusKilled})
}

func (s *Server) logFailure(err error, op string) {
	if errs.HTTPStatus(err) >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("req_id", middleware.GetReqID(r.Context())).
			Msg("http")
	})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, errs.Malformedf("invalid job id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func ownerFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Owner"))
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), errorResponse{Error: errs.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
