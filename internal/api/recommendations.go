package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"listing-ops/internal/models"
)

type acceptRequest struct {
	// Apply enqueues the publish job that carries the recommendation out.
	Apply bool `json:"apply"`
	// Force applies a price move despite failed guardrails on the
	// recommendation and lifts the price change limit.
	Force bool `json:"force"`
}

type acceptResponse struct {
	Recommendation models.Recommendation `json:"recommendation"`
	Job            *models.Job           `json:"job,omitempty"`
	JobCreated     bool                  `json:"job_created,omitempty"`
}

type recommendationDetail struct {
	models.Recommendation
	Events []models.RecommendationEvent `json:"events"`
}

func (s *Server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.svc.GetRecommendation(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, "get recommendation", err)
		return
	}
	events, err := s.svc.RecommendationEvents(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, "recommendation events", err)
		return
	}
	writeJSON(w, http.StatusOK, recommendationDetail{Recommendation: rec, Events: events})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req acceptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	rec, err := s.svc.GetRecommendation(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, "get recommendation", err)
		return
	}

	var (
		jobType models.JobType
		input   map[string]any
	)
	if req.Apply {
		jobType, input, err = s.publishFor(r.Context(), rec, req.Force)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	rec, err = s.svc.TransitionRecommendation(r.Context(), id, models.RecAccepted, "accepted via api")
	if err != nil {
		s.respondStoreError(w, "accept recommendation", err)
		return
	}
	s.log.Info("recommendation accepted", "recommendation_id", id, "type", rec.Type, "apply", req.Apply)
	resp := acceptResponse{Recommendation: rec}
	if req.Apply {
		job, created, err := s.svc.CreatePublishJob(r.Context(), rec.Entity.ID, jobType, input)
		if err != nil {
			s.respondStoreError(w, "enqueue recommendation publish", err)
			return
		}
		resp.Job, resp.JobCreated = &job, created
	}
	writeJSON(w, http.StatusOK, resp)
}

// publishFor derives the publish job that applies rec.
func (s *Server) publishFor(ctx context.Context, rec models.Recommendation, force bool) (models.JobType, map[string]any, error) {
	input := map[string]any{"recommendation_id": rec.ID}
	switch rec.Type {
	case models.RecRestock:
		qty, ok := actionNumber(rec.Action, "reorder_quantity")
		if !ok || qty <= 0 {
			return "", nil, fmt.Errorf("recommendation %s has no reorder quantity", rec.ID)
		}
		l, err := s.svc.GetListing(ctx, rec.Entity.ID)
		if err != nil {
			return "", nil, fmt.Errorf("load listing %d: %w", rec.Entity.ID, err)
		}
		input["stock"] = l.Stock + int(qty)
		return models.JobPublishStock, input, nil
	case models.RecPriceIncrease, models.RecPriceDecrease, models.RecClearance:
		price, ok := actionNumber(rec.Action, "price")
		if !ok {
			return "", nil, fmt.Errorf("recommendation %s has no actionable price", rec.ID)
		}
		if !rec.Guardrail.Passed && !force {
			return "", nil, fmt.Errorf("guardrails failed: %s", strings.Join(rec.Guardrail.Violations, ","))
		}
		input["price"] = price
		if force {
			input["force"] = true
		}
		return models.JobPublishPrice, input, nil
	}
	return "", nil, fmt.Errorf("recommendation type %s cannot be applied", rec.Type)
}

func (s *Server) handleDecision(to models.RecommendationStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := s.svc.TransitionRecommendation(r.Context(), id, to, strings.ToLower(string(to))+" via api")
		if err != nil {
			s.respondStoreError(w, "transition recommendation", err)
			return
		}
		s.log.Info("recommendation reviewed", "recommendation_id", id, "status", to)
		writeJSON(w, http.StatusOK, rec)
	}
}

func actionNumber(action map[string]any, key string) (float64, bool) {
	switch v := action[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
