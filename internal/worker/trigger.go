package worker

import (
	"listing-ops/internal/models"
	"listing-ops/internal/store"
)

// FollowUps returns the jobs a successful run of job must enqueue:
//
//	INGEST, PUBLISH_PRICE, PUBLISH_STOCK  -> COMPUTE_FEATURES
//	COMPUTE_FEATURES (new snapshot)       -> GENERATE_RECOMMENDATIONS
//
// Follow-ups target the same entity at one priority below the origin and get
// maxAttempts attempts (the store default when zero).
func FollowUps(job models.Job, result map[string]any, maxAttempts int) []store.CreateJobParams {
	if job.Entity == nil {
		return nil
	}
	var next models.JobType
	switch job.Type {
	case models.JobIngest, models.JobPublishPrice, models.JobPublishStock:
		next = models.JobComputeFeatures
	case models.JobComputeFeatures:
		if inserted, _ := result["inserted"].(bool); !inserted {
			return nil
		}
		next = models.JobGenerateRecommendations
	default:
		return nil
	}
	prio := job.Priority - 1
	entity := *job.Entity
	return []store.CreateJobParams{{
		Type:        next,
		Entity:      &entity,
		Priority:    &prio,
		Input:       map[string]any{"triggered_by": job.ID},
		MaxAttempts: maxAttempts,
	}}
}
