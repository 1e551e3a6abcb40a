// Package features derives per-listing feature payloads and their content hash.
package features

import (
	"listing-ops/internal/economics"
	"listing-ops/internal/models"
)

// SchemaVersion is stamped on every snapshot written from Compute.
const SchemaVersion = 1

// LowStockThreshold marks a listing as nearly sold out.
const LowStockThreshold = 5

// Compute builds the feature payload for a listing. The output depends only
// on the listing fields so recomputing after no change yields the same hash.
func Compute(l models.Listing) map[string]any {
	eval := economics.Evaluate(economics.Snapshot{
		Price:    l.Price,
		UnitCost: l.UnitCost,
		VATRate:  l.VATRate,
		Stock:    l.Stock,
	}, economics.Change{}, economics.DefaultPolicy)

	return map[string]any{
		"price":       l.Price,
		"unit_cost":   l.UnitCost,
		"vat_rate":    l.VATRate,
		"stock":       l.Stock,
		"net_price":   eval.Derived["net_price"],
		"unit_profit": eval.Derived["unit_profit"],
		"margin":      eval.Derived["margin"],
		"stock_value": eval.Derived["stock_value"],
		"in_stock":    l.Stock > 0,
		"low_stock":   l.Stock <= LowStockThreshold,
	}
}
