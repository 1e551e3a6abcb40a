package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ParseJobStatus validates a wire value.
func ParseJobStatus(v string) (JobStatus, error) {
	switch s := JobStatus(v); s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown job status %q", v)
}

// JobType is the closed set of work the engine knows how to run.
type JobType string

const (
	JobIngest                  JobType = "INGEST"
	JobComputeFeatures         JobType = "COMPUTE_FEATURES"
	JobGenerateRecommendations JobType = "GENERATE_RECOMMENDATIONS"
	JobPublishPrice            JobType = "PUBLISH_PRICE"
	JobPublishStock            JobType = "PUBLISH_STOCK"
)

// JobTypes lists every valid JobType.
var JobTypes = []JobType{
	JobIngest,
	JobComputeFeatures,
	JobGenerateRecommendations,
	JobPublishPrice,
	JobPublishStock,
}

// ParseJobType validates a wire value.
func ParseJobType(v string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == v {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", v)
}

// IsPublish reports whether t belongs to the publish family, which is deduplicated
// against PENDING jobs with an identical input.
func (t JobType) IsPublish() bool {
	return t == JobPublishPrice || t == JobPublishStock
}

// EntityListing is the only entity type the engine currently targets.
const EntityListing = "listing"

// EntityRef identifies the entity a job or derived row belongs to.
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   int64  `json:"entity_id"`
}

func (e EntityRef) String() string {
	return fmt.Sprintf("%s:%d", e.Type, e.ID)
}

// ListingRef returns a reference to the listing with the given id.
func ListingRef(id int64) EntityRef {
	return EntityRef{Type: EntityListing, ID: id}
}

// Job represents a unit of deferred work persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Entity      *EntityRef     `json:"entity,omitempty"`
	Status      JobStatus      `json:"status"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RunAt       time.Time      `json:"run_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	Input       map[string]any `json:"input"`
	Result      map[string]any `json:"result,omitempty"`
	Log         []JobLogEntry  `json:"log"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// JobLogEntry is one audit record appended to a job on every transition.
type JobLogEntry struct {
	At         time.Time  `json:"at"`
	Event      string     `json:"event"`
	Attempt    int        `json:"attempt"`
	ErrorClass string     `json:"error_class,omitempty"`
	Message    string     `json:"message,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// JobFilter narrows job listings for status polling.
type JobFilter struct {
	Status JobStatus
	Type   JobType
	Entity *EntityRef
	Limit  int
}

// DefaultPriority is used when a submitter does not pick one. State-changing
// publish work is served before ingestion, and derived-state work last.
func DefaultPriority(t JobType) int {
	switch t {
	case JobPublishPrice, JobPublishStock:
		return 100
	case JobIngest:
		return 50
	case JobComputeFeatures:
		return 40
	case JobGenerateRecommendations:
		return 30
	}
	return 0
}
