package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"listing-ops/internal/models"
)

const listingColumns = `id, sku, title, price, stock, unit_cost, vat_rate, image_url, updated_at`

// UpsertListing writes the latest marketplace state of a listing.
func (s *Store) UpsertListing(ctx context.Context, l models.Listing) (models.Listing, error) {
	out, err := scanListing(s.pool.QueryRow(ctx, `
		INSERT INTO listings (id, sku, title, price, stock, unit_cost, vat_rate, image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, title = EXCLUDED.title, price = EXCLUDED.price, stock = EXCLUDED.stock,
		    unit_cost = EXCLUDED.unit_cost, vat_rate = EXCLUDED.vat_rate, image_url = EXCLUDED.image_url,
		    updated_at = NOW()
		RETURNING `+listingColumns,
		l.ID, l.SKU, l.Title, l.Price, l.Stock, l.UnitCost, l.VATRate, l.ImageURL))
	if err != nil {
		return models.Listing{}, wrap("upsert listing", err)
	}
	return out, nil
}

// GetListing fetches a listing by id.
func (s *Store) GetListing(ctx context.Context, id int64) (models.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Listing{}, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Listing{}, wrap("get listing", err)
	}
	return l, nil
}

// ListingIDs returns every known listing id in ascending order.
func (s *Store) ListingIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM listings ORDER BY id`)
	if err != nil {
		return nil, wrap("list listing ids", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, wrap("collect listing ids", err)
	}
	return ids, nil
}

// SetListingPrice records a price that was published to the marketplace.
func (s *Store) SetListingPrice(ctx context.Context, id int64, price float64) error {
	return s.updateListing(ctx, "set listing price", `UPDATE listings SET price = $2, updated_at = NOW() WHERE id = $1`, id, price)
}

// SetListingStock records a stock level that was published to the marketplace.
func (s *Store) SetListingStock(ctx context.Context, id int64, stock int) error {
	return s.updateListing(ctx, "set listing stock", `UPDATE listings SET stock = $2, updated_at = NOW() WHERE id = $1`, id, stock)
}

func (s *Store) updateListing(ctx context.Context, op, query string, id int64, value any) error {
	tag, err := s.pool.Exec(ctx, query, id, value)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func scanListing(row pgx.Row) (models.Listing, error) {
	var l models.Listing
	if err := row.Scan(&l.ID, &l.SKU, &l.Title, &l.Price, &l.Stock, &l.UnitCost, &l.VATRate, &l.ImageURL, &l.UpdatedAt); err != nil {
		return models.Listing{}, err
	}
	return l, nil
}
