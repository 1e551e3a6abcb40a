package features

import (
	"testing"

	"listing-ops/internal/models"
)

func TestContentHashIgnoresKeyOrderAndNumberSpelling(t *testing.T) {
	a, err := ContentHash(map[string]any{"margin": 0.2, "stock": 3})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := ContentHash(map[string]any{"stock": float64(3), "margin": 0.20})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a != b {
		t.Fatalf("hashes differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestContentHashDetectsChange(t *testing.T) {
	a, _ := ContentHash(map[string]any{"margin": 0.2})
	b, _ := ContentHash(map[string]any{"margin": 0.21})
	if a == b {
		t.Fatal("different payloads hashed equal")
	}
}

func TestContentHashNilIsEmptyObject(t *testing.T) {
	a, _ := ContentHash(nil)
	b, _ := ContentHash(map[string]any{})
	if a != b {
		t.Fatal("nil and empty payload should hash equal")
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	l := models.Listing{ID: 5, Price: 24, UnitCost: 10, VATRate: 0.2, Stock: 3}

	first, _ := ContentHash(Compute(l))
	second, _ := ContentHash(Compute(l))
	if first != second {
		t.Fatal("same listing produced different hashes")
	}

	payload := Compute(l)
	if payload["margin"] != 0.5 {
		t.Fatalf("margin = %v, want 0.5", payload["margin"])
	}
	if payload["low_stock"] != true {
		t.Fatalf("low_stock = %v, want true", payload["low_stock"])
	}

	l.Price = 30
	changed, _ := ContentHash(Compute(l))
	if changed == first {
		t.Fatal("price change did not change hash")
	}
}
