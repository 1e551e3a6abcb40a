// Package economics evaluates proposed listing changes against margin and
// pricing guardrails. Everything here is pure arithmetic on the inputs.
package economics

import "math"

// Snapshot is the economic state of a listing. Price is gross (VAT included).
type Snapshot struct {
	Price    float64
	UnitCost float64
	VATRate  float64
	Stock    int
}

// Change is a proposed update. Nil fields keep the snapshot value.
type Change struct {
	Price *float64
	Stock *int
}

// Policy holds the guardrail thresholds.
type Policy struct {
	// MinMargin is the lowest acceptable net margin as a fraction of net price.
	MinMargin float64
	// MaxPriceChange bounds |new-old|/old for a single price move. Zero disables it.
	MaxPriceChange float64
}

// DefaultPolicy is used by handlers when no policy is configured.
var DefaultPolicy = Policy{MinMargin: 0.10, MaxPriceChange: 0.25}

// Violation codes.
const (
	ViolationPriceNotPositive = "price_not_positive"
	ViolationMarginBelowFloor = "margin_below_floor"
	ViolationPriceJump        = "price_change_exceeds_limit"
	ViolationNegativeStock    = "stock_negative"
	ViolationInvalidVAT       = "vat_rate_invalid"
)

// Result carries derived values and any guardrail violations.
type Result struct {
	Derived    map[string]float64
	Violations []string
	Passed     bool
}

// Evaluate applies change to s and checks the outcome against p. Price
// guardrails only apply when the change moves the price.
func Evaluate(s Snapshot, change Change, p Policy) Result {
	price := s.Price
	if change.Price != nil {
		price = *change.Price
	}
	stock := s.Stock
	if change.Stock != nil {
		stock = *change.Stock
	}

	res := Result{Derived: map[string]float64{}, Violations: []string{}}

	if s.VATRate < 0 || s.VATRate >= 1 {
		res.Violations = append(res.Violations, ViolationInvalidVAT)
	}
	if change.Price != nil && price <= 0 {
		res.Violations = append(res.Violations, ViolationPriceNotPositive)
	}
	if stock < 0 {
		res.Violations = append(res.Violations, ViolationNegativeStock)
	}

	net := NetPrice(price, s.VATRate)
	margin := Margin(price, s.UnitCost, s.VATRate)
	res.Derived["price"] = round(price)
	res.Derived["net_price"] = round(net)
	res.Derived["vat_amount"] = round(price - net)
	res.Derived["unit_profit"] = round(net - s.UnitCost)
	res.Derived["margin"] = round(margin)
	res.Derived["stock_value"] = round(float64(stock) * s.UnitCost)

	if change.Price != nil && price > 0 && margin < p.MinMargin {
		res.Violations = append(res.Violations, ViolationMarginBelowFloor)
	}
	if change.Price != nil && s.Price > 0 {
		delta := math.Abs(price-s.Price) / s.Price
		res.Derived["price_change"] = round(delta)
		if p.MaxPriceChange > 0 && delta > p.MaxPriceChange+1e-9 {
			res.Violations = append(res.Violations, ViolationPriceJump)
		}
	}

	res.Passed = len(res.Violations) == 0
	return res
}

// NetPrice strips VAT from a gross price.
func NetPrice(gross, vatRate float64) float64 {
	return gross / (1 + vatRate)
}

// Margin is (net - cost) / net. A non-positive price yields zero.
func Margin(gross, unitCost, vatRate float64) float64 {
	net := NetPrice(gross, vatRate)
	if net <= 0 {
		return 0
	}
	return (net - unitCost) / net
}

// PriceForMargin returns the gross price that yields the target margin.
func PriceForMargin(unitCost, vatRate, margin float64) float64 {
	if margin >= 1 {
		return 0
	}
	return round(unitCost / (1 - margin) * (1 + vatRate))
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
