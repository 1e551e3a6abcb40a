// Package recommend turns a feature snapshot into typed recommendations.
// Generation is pure; persistence and supersession live in the store and
// are run by the worker under the entity lock.
package recommend

import (
	"sort"

	"listing-ops/internal/economics"
	"listing-ops/internal/models"
)

// Thresholds tune when each recommendation type fires.
type Thresholds struct {
	TargetMargin   float64
	HighMargin     float64
	LowStock       int
	ReorderQty     int
	OverStock      int
	ClearanceStock int
	Policy         economics.Policy
}

// DefaultThresholds are used by the worker unless overridden.
var DefaultThresholds = Thresholds{
	TargetMargin:   0.25,
	HighMargin:     0.60,
	LowStock:       5,
	ReorderQty:     20,
	OverStock:      50,
	ClearanceStock: 200,
	Policy:         economics.DefaultPolicy,
}

const violationInsufficientData = "insufficient_data"

// Generate derives at most one recommendation per type from snap. The result
// is ordered by type.
func Generate(snap models.FeatureSnapshot, th Thresholds) []models.Recommendation {
	f := featureView(snap.Payload)
	var out []models.Recommendation

	if margin, ok := f.number("margin"); ok {
		switch {
		case margin < th.TargetMargin:
			out = append(out, priceRec(snap, f, th, models.RecPriceIncrease, th.TargetMargin))
		case margin > th.HighMargin:
			if stock, ok := f.number("stock"); ok && int(stock) >= th.OverStock {
				out = append(out, priceRec(snap, f, th, models.RecPriceDecrease, th.HighMargin, "stock"))
			}
		}
	}

	if stock, ok := f.number("stock"); ok {
		switch {
		case int(stock) <= th.LowStock:
			out = append(out, models.Recommendation{
				Entity:    snap.Entity,
				Type:      models.RecRestock,
				Action:    map[string]any{"reorder_quantity": th.ReorderQty},
				Evidence:  evidence(snap, f, "stock"),
				Guardrail: models.GuardrailResult{Passed: true, Violations: []string{}, Derived: map[string]float64{"stock": stock}},
			})
		case int(stock) >= th.ClearanceStock:
			rec := priceRec(snap, f, th, models.RecClearance, th.Policy.MinMargin, "stock")
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// priceRec proposes a price reaching targetMargin and attaches the guardrail
// evaluation. Without cost data the target margin alone is recorded.
func priceRec(snap models.FeatureSnapshot, f featureView, th Thresholds, typ models.RecommendationType, targetMargin float64, extraKeys ...string) models.Recommendation {
	keys := append([]string{"margin"}, extraKeys...)
	rec := models.Recommendation{
		Entity: snap.Entity,
		Type:   typ,
		Action: map[string]any{"target_margin": targetMargin},
	}

	price, hasPrice := f.number("price")
	cost, hasCost := f.number("unit_cost")
	vat, _ := f.number("vat_rate")
	if !hasPrice || !hasCost {
		rec.Evidence = evidence(snap, f, keys...)
		rec.Guardrail = models.GuardrailResult{
			Passed:     false,
			Violations: []string{violationInsufficientData},
			Derived:    map[string]float64{},
		}
		return rec
	}

	keys = append(keys, "price", "unit_cost", "vat_rate")
	proposed := economics.PriceForMargin(cost, vat, targetMargin)
	rec.Action["price"] = proposed
	res := economics.Evaluate(economics.Snapshot{Price: price, UnitCost: cost, VATRate: vat},
		economics.Change{Price: &proposed}, th.Policy)
	rec.Evidence = evidence(snap, f, keys...)
	rec.Guardrail = models.GuardrailResult{Passed: res.Passed, Violations: res.Violations, Derived: res.Derived}
	return rec
}

func evidence(snap models.FeatureSnapshot, f featureView, keys ...string) models.Evidence {
	sort.Strings(keys)
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := f[k]; ok {
			values[k] = v
		}
	}
	return models.Evidence{
		SnapshotID:  snap.ID,
		ComputedAt:  snap.ComputedAt,
		ContentHash: snap.ContentHash,
		FeatureKeys: keys,
		Values:      values,
	}
}

type featureView map[string]any

func (f featureView) number(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
