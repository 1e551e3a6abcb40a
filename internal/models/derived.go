package models

import (
	"fmt"
	"time"
)

// Listing mirrors the marketplace state of one product listing.
type Listing struct {
	ID        int64     `json:"id"`
	SKU       string    `json:"sku"`
	Title     string    `json:"title"`
	Price     float64   `json:"price"`
	Stock     int       `json:"stock"`
	UnitCost  float64   `json:"unit_cost"`
	VATRate   float64   `json:"vat_rate"`
	ImageURL  string    `json:"image_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeatureSnapshot is one append-only row of computed features for an entity.
// The row with the latest ComputedAt is the current one.
type FeatureSnapshot struct {
	ID            int64          `json:"id"`
	Entity        EntityRef      `json:"entity"`
	SchemaVersion int            `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	ContentHash   string         `json:"content_hash"`
	ComputedAt    time.Time      `json:"computed_at"`
}

// RecommendationType is the closed set of suggestions the generator emits.
type RecommendationType string

const (
	RecPriceIncrease RecommendationType = "PRICE_INCREASE"
	RecPriceDecrease RecommendationType = "PRICE_DECREASE"
	RecRestock       RecommendationType = "RESTOCK"
	RecClearance     RecommendationType = "CLEARANCE"
)

// RecommendationStatus tracks a recommendation through review.
type RecommendationStatus string

const (
	RecOpen       RecommendationStatus = "OPEN"
	RecAccepted   RecommendationStatus = "ACCEPTED"
	RecRejected   RecommendationStatus = "REJECTED"
	RecSnoozed    RecommendationStatus = "SNOOZED"
	RecSuperseded RecommendationStatus = "SUPERSEDED"
	RecApplied    RecommendationStatus = "APPLIED"
	RecFailed     RecommendationStatus = "FAILED"
)

// ParseRecommendationStatus validates a wire value.
func ParseRecommendationStatus(v string) (RecommendationStatus, error) {
	switch s := RecommendationStatus(v); s {
	case RecOpen, RecAccepted, RecRejected, RecSnoozed, RecSuperseded, RecApplied, RecFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown recommendation status %q", v)
}

// Recommendation is a typed, evidence-backed suggestion for one entity.
type Recommendation struct {
	ID        string               `json:"id"`
	Entity    EntityRef            `json:"entity"`
	Type      RecommendationType   `json:"type"`
	Status    RecommendationStatus `json:"status"`
	Action    map[string]any       `json:"action"`
	Evidence  Evidence             `json:"evidence"`
	Guardrail GuardrailResult      `json:"guardrail"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Evidence records which feature snapshot and keys a recommendation was derived from.
type Evidence struct {
	SnapshotID  int64          `json:"snapshot_id"`
	ComputedAt  time.Time      `json:"computed_at"`
	ContentHash string         `json:"content_hash"`
	FeatureKeys []string       `json:"feature_keys"`
	Values      map[string]any `json:"values"`
}

// GuardrailResult is the economics evaluation attached to a proposed change.
type GuardrailResult struct {
	Passed     bool               `json:"passed"`
	Violations []string           `json:"violations"`
	Derived    map[string]float64 `json:"derived"`
}

// RecommendationEvent is an audit row for a lifecycle transition.
type RecommendationEvent struct {
	RecommendationID string    `json:"recommendation_id"`
	Event            string    `json:"event"`
	Detail           string    `json:"detail"`
	Recorded         time.Time `json:"recorded_at"`
}
