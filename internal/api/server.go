package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"listing-ops/internal/dlq"
	"listing-ops/internal/models"
	"listing-ops/internal/ratelimit"
	"listing-ops/internal/store"
	"listing-ops/internal/telemetry"
)

// Service is the persistence surface the API drives. *store.Store satisfies it.
type Service interface {
	Ping(ctx context.Context) error
	Submit(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	CreatePublishJob(ctx context.Context, entityID int64, jobType models.JobType, input map[string]any) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)
	CancelJob(ctx context.Context, id string) (models.Job, error)
	GetListing(ctx context.Context, id int64) (models.Listing, error)
	CurrentFeatures(ctx context.Context, entity models.EntityRef) (models.FeatureSnapshot, error)
	FeatureHistory(ctx context.Context, entity models.EntityRef, limit int) ([]models.FeatureSnapshot, error)
	GetRecommendation(ctx context.Context, id string) (models.Recommendation, error)
	ListRecommendations(ctx context.Context, entity models.EntityRef, status models.RecommendationStatus) ([]models.Recommendation, error)
	RecommendationEvents(ctx context.Context, id string) ([]models.RecommendationEvent, error)
	TransitionRecommendation(ctx context.Context, id string, to models.RecommendationStatus, detail string) (models.Recommendation, error)
}

// Limiter throttles submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// DeadLetters exposes the dead-letter feed.
type DeadLetters interface {
	Peek(ctx context.Context, count int64) ([]dlq.Entry, error)
}

// Options carries the optional collaborators.
type Options struct {
	Limiter     Limiter     // nil disables rate limiting
	DeadLetters DeadLetters // nil makes /dlq return 404
	MaxAttempts int
	Log         *slog.Logger
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	svc  Service
	opts Options
	log  *slog.Logger
}

// New constructs the API server.
func New(svc Service, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, opts: opts, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.Route("/listings/{id}", func(r chi.Router) {
		r.With(s.rateLimit).Post("/publish", s.handlePublish)
		r.Get("/features", s.handleFeatures)
		r.Get("/recommendations", s.handleListRecommendations)
	})

	r.Route("/recommendations/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetRecommendation)
		r.With(s.rateLimit).Post("/accept", s.handleAccept)
		r.Post("/reject", s.handleDecision(models.RecRejected))
		r.Post("/snooze", s.handleDecision(models.RecSnoozed))
	})

	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeadLetters == nil {
		writeError(w, http.StatusNotFound, "dead-letter feed disabled")
		return
	}
	limit := queryInt(r, "limit", 100)
	items, err := s.opts.DeadLetters.Peek(r.Context(), int64(limit))
	if err != nil {
		s.log.Error("read dlq", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// rateLimit fails open: a Redis outage must not stop submissions.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.opts.Limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.log.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// respondStoreError maps store and lookup failures onto HTTP status codes.
func (s *Server) respondStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotCancellable), errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		s.log.Warn(op, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.log.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func listingIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func decodeJSON(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
