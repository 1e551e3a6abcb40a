package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"listing-ops/internal/features"
	"listing-ops/internal/lock"
	"listing-ops/internal/models"
)

const featureColumns = `id, entity_type, entity_id, schema_version, payload, content_hash, computed_at`

// SaveFeatures appends a feature snapshot unless its content hash equals the
// current row's, in which case the current row is returned with inserted=false.
// History is append-only and computed_at strictly increases per entity.
func (s *Store) SaveFeatures(ctx context.Context, entity models.EntityRef, schemaVersion int, payload map[string]any) (models.FeatureSnapshot, bool, error) {
	hash, err := features.ContentHash(payload)
	if err != nil {
		return models.FeatureSnapshot{}, false, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.FeatureSnapshot{}, false, fmt.Errorf("marshal features: %w", err)
	}

	var (
		snap     models.FeatureSnapshot
		inserted bool
	)
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		key := lock.Key("features", entity.Type, strconv.FormatInt(entity.ID, 10))
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
			return wrap("features lock", err)
		}

		current, err := scanFeature(tx.QueryRow(ctx, `
			SELECT `+featureColumns+`
			FROM feature_snapshots
			WHERE entity_type = $1 AND entity_id = $2
			ORDER BY computed_at DESC
			LIMIT 1
		`, entity.Type, entity.ID))
		hasCurrent := err == nil
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return wrap("load current features", err)
		}
		if hasCurrent && current.ContentHash == hash {
			snap = current
			return nil
		}

		// Postgres keeps microseconds; bump past the previous row so the
		// latest-by-timestamp read rule never ties or goes backwards.
		computedAt := time.Now().UTC().Truncate(time.Microsecond)
		if hasCurrent && !computedAt.After(current.ComputedAt) {
			computedAt = current.ComputedAt.Add(time.Microsecond)
		}

		snap, err = scanFeature(tx.QueryRow(ctx, `
			INSERT INTO feature_snapshots (entity_type, entity_id, schema_version, payload, content_hash, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+featureColumns,
			entity.Type, entity.ID, schemaVersion, payloadJSON, hash, computedAt))
		if err != nil {
			return wrap("insert features", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return models.FeatureSnapshot{}, false, err
	}
	return snap, inserted, nil
}

// CurrentFeatures returns the latest snapshot for entity.
func (s *Store) CurrentFeatures(ctx context.Context, entity models.EntityRef) (models.FeatureSnapshot, error) {
	snap, err := scanFeature(s.pool.QueryRow(ctx, `
		SELECT `+featureColumns+`
		FROM feature_snapshots
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY computed_at DESC
		LIMIT 1
	`, entity.Type, entity.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FeatureSnapshot{}, fmt.Errorf("features for %s: %w", entity, ErrNotFound)
	}
	if err != nil {
		return models.FeatureSnapshot{}, wrap("current features", err)
	}
	return snap, nil
}

// FeatureHistory returns up to limit snapshots for entity, newest first.
func (s *Store) FeatureHistory(ctx context.Context, entity models.EntityRef, limit int) ([]models.FeatureSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+featureColumns+`
		FROM feature_snapshots
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY computed_at DESC
		LIMIT $3
	`, entity.Type, entity.ID, limit)
	if err != nil {
		return nil, wrap("feature history", err)
	}
	defer rows.Close()
	out := make([]models.FeatureSnapshot, 0)
	for rows.Next() {
		snap, err := scanFeature(rows)
		if err != nil {
			return nil, wrap("scan features", err)
		}
		out = append(out, snap)
	}
	return out, wrap("feature history rows", rows.Err())
}

func scanFeature(row pgx.Row) (models.FeatureSnapshot, error) {
	var snap models.FeatureSnapshot
	var payload []byte
	if err := row.Scan(&snap.ID, &snap.Entity.Type, &snap.Entity.ID, &snap.SchemaVersion, &payload, &snap.ContentHash, &snap.ComputedAt); err != nil {
		return models.FeatureSnapshot{}, err
	}
	if err := json.Unmarshal(payload, &snap.Payload); err != nil {
		return models.FeatureSnapshot{}, fmt.Errorf("unmarshal features: %w", err)
	}
	snap.ComputedAt = snap.ComputedAt.UTC()
	return snap, nil
}
