package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"listing-ops/internal/models"
	"listing-ops/internal/store"
	"listing-ops/internal/telemetry"
)

type submitRequest struct {
	Type         string            `json:"type"`
	Entity       *models.EntityRef `json:"entity"`
	Input        map[string]any    `json:"input"`
	Priority     *int              `json:"priority"`
	RunAt        *time.Time        `json:"run_at"`
	DelaySeconds int               `json:"delay_seconds"`
	MaxAttempts  int               `json:"max_attempts"`
	// Dedupe asks for pending deduplication on non-publish types.
	Dedupe bool `json:"dedupe"`
}

type submitResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

// duplicateResponse is returned with 409 when a publish job is already pending.
type duplicateResponse struct {
	Error         string     `json:"error"`
	ExistingJobID string     `json:"existing_job_id"`
	Job           models.Job `json:"job"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Entity == nil {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}
	if req.Entity.Type != models.EntityListing || req.Entity.ID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported entity %s", req.Entity))
		return
	}

	runAt := time.Now().UTC()
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}

	job, created, err := s.svc.Submit(r.Context(), store.CreateJobParams{
		Type:          jobType,
		Entity:        req.Entity,
		Priority:      req.Priority,
		Input:         req.Input,
		RunAt:         runAt,
		MaxAttempts:   maxAttempts,
		DedupePending: req.Dedupe,
	})
	if err != nil {
		s.respondStoreError(w, "submit job", err)
		return
	}
	s.respondSubmitted(w, job, created)
}

// respondSubmitted writes 202 for a new job. A suppressed publish duplicate
// is a conflict carrying the pending job; other duplicates are plain 200s.
func (s *Server) respondSubmitted(w http.ResponseWriter, job models.Job, created bool) {
	if created {
		telemetry.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
		s.log.Info("job submitted", "job_id", job.ID, "job_type", job.Type, "priority", job.Priority)
		writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Created: true})
		return
	}
	telemetry.DedupHits.WithLabelValues(string(job.Type)).Inc()
	if job.Type.IsPublish() {
		writeJSON(w, http.StatusConflict, duplicateResponse{
			Error:         "identical publish job already pending",
			ExistingJobID: job.ID,
			Job:           job,
		})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Job: job, Created: false})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.JobFilter{Limit: queryInt(r, "limit", 50)}
	if v := q.Get("status"); v != "" {
		st, err := models.ParseJobStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("type"); v != "" {
		t, err := models.ParseJobType(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Type = t
	}
	if v := q.Get("entity_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "entity_id must be an integer")
			return
		}
		entity := models.ListingRef(id)
		f.Entity = &entity
	}
	jobs, err := s.svc.ListJobs(r.Context(), f)
	if err != nil {
		s.respondStoreError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, "cancel job", err)
		return
	}
	s.log.Info("job cancelled", "job_id", job.ID)
	writeJSON(w, http.StatusOK, job)
}
