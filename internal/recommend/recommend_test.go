package recommend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-ops/internal/models"
)

func snapshot(payload map[string]any) models.FeatureSnapshot {
	return models.FeatureSnapshot{
		ID:          11,
		Entity:      models.ListingRef(7),
		Payload:     payload,
		ContentHash: "abc",
		ComputedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGenerateLowMarginOnly(t *testing.T) {
	recs := Generate(snapshot(map[string]any{"margin": 0.20}), DefaultThresholds)

	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, models.RecPriceIncrease, rec.Type)
	assert.Equal(t, models.ListingRef(7), rec.Entity)
	assert.Equal(t, int64(11), rec.Evidence.SnapshotID)
	assert.Equal(t, []string{"margin"}, rec.Evidence.FeatureKeys)
	assert.Equal(t, 0.20, rec.Evidence.Values["margin"])
	assert.False(t, rec.Guardrail.Passed)
	assert.Contains(t, rec.Guardrail.Violations, violationInsufficientData)
}

func TestGenerateProposesGuardedPrice(t *testing.T) {
	recs := Generate(snapshot(map[string]any{
		"margin": 0.2, "price": 12.5, "unit_cost": 10.0, "vat_rate": 0.0, "stock": 3.0,
	}), DefaultThresholds)

	require.Len(t, recs, 2)
	assert.Equal(t, models.RecPriceIncrease, recs[0].Type)
	assert.Equal(t, models.RecRestock, recs[1].Type)

	inc := recs[0]
	assert.InDelta(t, 13.3333, inc.Action["price"], 0.0001)
	assert.True(t, inc.Guardrail.Passed, "violations: %v", inc.Guardrail.Violations)
	assert.Equal(t, []string{"margin", "price", "unit_cost", "vat_rate"}, inc.Evidence.FeatureKeys)

	assert.Equal(t, 20, recs[1].Action["reorder_quantity"])
}

func TestGenerateClearanceAndDecrease(t *testing.T) {
	recs := Generate(snapshot(map[string]any{
		"margin": 0.7, "price": 100.0, "unit_cost": 30.0, "vat_rate": 0.0, "stock": 250.0,
	}), DefaultThresholds)

	types := make([]models.RecommendationType, 0, len(recs))
	for _, r := range recs {
		types = append(types, r.Type)
	}
	assert.Equal(t, []models.RecommendationType{models.RecClearance, models.RecPriceDecrease}, types)
}

func TestGenerateHealthyListingIsQuiet(t *testing.T) {
	recs := Generate(snapshot(map[string]any{"margin": 0.4, "stock": 30.0}), DefaultThresholds)
	assert.Empty(t, recs)
}

func TestGenerateAtMostOnePerType(t *testing.T) {
	recs := Generate(snapshot(map[string]any{"margin": 0.1, "stock": 0.0, "price": 11.0, "unit_cost": 10.0}), DefaultThresholds)
	seen := map[models.RecommendationType]bool{}
	for _, r := range recs {
		require.False(t, seen[r.Type], "duplicate %s", r.Type)
		seen[r.Type] = true
	}
}
