package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"listing-ops/internal/models"
)

const recommendationColumns = `id, entity_type, entity_id, type, status, action, evidence, guardrail, created_at, updated_at`

// recommendationTransitions lists the statuses each status may move to
// through the review API. SUPERSEDED is only written by generation.
var recommendationTransitions = map[models.RecommendationStatus][]models.RecommendationStatus{
	models.RecOpen:     {models.RecAccepted, models.RecRejected, models.RecSnoozed},
	models.RecSnoozed:  {models.RecAccepted, models.RecRejected},
	models.RecAccepted: {models.RecApplied, models.RecFailed},
}

// ReplaceOpenRecommendations supersedes every OPEN recommendation of entity
// and inserts recs as the new OPEN set, atomically. Rows in any other status
// are left alone. Callers hold the entity lock so concurrent generations
// never interleave.
func (s *Store) ReplaceOpenRecommendations(ctx context.Context, entity models.EntityRef, recs []models.Recommendation) (int, []models.Recommendation, error) {
	var (
		superseded int
		inserted   []models.Recommendation
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE recommendations
			SET status = 'SUPERSEDED', updated_at = NOW()
			WHERE entity_type = $1 AND entity_id = $2 AND status = 'OPEN'
			RETURNING id
		`, entity.Type, entity.ID)
		if err != nil {
			return wrap("supersede recommendations", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return wrap("collect superseded", err)
		}
		superseded = len(ids)
		for _, id := range ids {
			if err := appendRecommendationEvent(ctx, tx, id, "superseded", "replaced by regeneration"); err != nil {
				return err
			}
		}

		for _, rec := range recs {
			rec.Entity = entity
			out, err := insertRecommendation(ctx, tx, rec)
			if err != nil {
				return err
			}
			if err := appendRecommendationEvent(ctx, tx, out.ID, "created", string(out.Type)); err != nil {
				return err
			}
			inserted = append(inserted, out)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return superseded, inserted, nil
}

func insertRecommendation(ctx context.Context, tx pgx.Tx, rec models.Recommendation) (models.Recommendation, error) {
	if rec.Action == nil {
		rec.Action = map[string]any{}
	}
	action, err := json.Marshal(rec.Action)
	if err != nil {
		return models.Recommendation{}, fmt.Errorf("marshal action: %w", err)
	}
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return models.Recommendation{}, fmt.Errorf("marshal evidence: %w", err)
	}
	guardrail, err := json.Marshal(rec.Guardrail)
	if err != nil {
		return models.Recommendation{}, fmt.Errorf("marshal guardrail: %w", err)
	}
	out, err := scanRecommendation(tx.QueryRow(ctx, `
		INSERT INTO recommendations (id, entity_type, entity_id, type, status, action, evidence, guardrail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'OPEN', $5, $6, $7, NOW(), NOW())
		RETURNING `+recommendationColumns,
		uuid.NewString(), rec.Entity.Type, rec.Entity.ID, rec.Type, action, evidence, guardrail))
	if err != nil {
		return models.Recommendation{}, wrap("insert recommendation", err)
	}
	return out, nil
}

// TransitionRecommendation moves a recommendation to status `to` when the
// review rules allow it, recording an event.
func (s *Store) TransitionRecommendation(ctx context.Context, id string, to models.RecommendationStatus, detail string) (models.Recommendation, error) {
	var from []string
	for status, targets := range recommendationTransitions {
		for _, t := range targets {
			if t == to {
				from = append(from, string(status))
			}
		}
	}
	if len(from) == 0 {
		return models.Recommendation{}, fmt.Errorf("recommendation %s -> %s: %w", id, to, ErrInvalidTransition)
	}
	if _, err := uuid.Parse(id); err != nil {
		return models.Recommendation{}, fmt.Errorf("recommendation %q: %w", id, ErrNotFound)
	}

	var rec models.Recommendation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = scanRecommendation(tx.QueryRow(ctx, `
			UPDATE recommendations
			SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
			RETURNING `+recommendationColumns, id, to, from))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recommendations WHERE id = $1)`, id).Scan(&exists); err != nil {
				return wrap("lookup recommendation", err)
			}
			if !exists {
				return fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("recommendation %s -> %s: %w", id, to, ErrInvalidTransition)
		}
		if err != nil {
			return wrap("transition recommendation", err)
		}
		return appendRecommendationEvent(ctx, tx, id, string(to), detail)
	})
	if err != nil {
		return models.Recommendation{}, err
	}
	return rec, nil
}

// GetRecommendation fetches one recommendation.
func (s *Store) GetRecommendation(ctx context.Context, id string) (models.Recommendation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Recommendation{}, fmt.Errorf("recommendation %q: %w", id, ErrNotFound)
	}
	rec, err := scanRecommendation(s.pool.QueryRow(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Recommendation{}, wrap("get recommendation", err)
	}
	return rec, nil
}

// ListRecommendations returns recommendations for entity, optionally
// restricted to one status, newest first.
func (s *Store) ListRecommendations(ctx context.Context, entity models.EntityRef, status models.RecommendationStatus) ([]models.Recommendation, error) {
	qb := psql.Select(recommendationColumns).
		From("recommendations").
		Where(sq.Eq{"entity_type": entity.Type, "entity_id": entity.ID}).
		OrderBy("created_at DESC", "type")
	if status != "" {
		qb = qb.Where(sq.Eq{"status": string(status)})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list recommendations: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list recommendations", err)
	}
	defer rows.Close()
	out := make([]models.Recommendation, 0)
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, wrap("scan recommendation", err)
		}
		out = append(out, rec)
	}
	return out, wrap("list recommendations rows", rows.Err())
}

// RecommendationEvents returns the audit trail of one recommendation, oldest first.
func (s *Store) RecommendationEvents(ctx context.Context, id string) ([]models.RecommendationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT recommendation_id, event, detail, ts
		FROM recommendation_events
		WHERE recommendation_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, wrap("recommendation events", err)
	}
	defer rows.Close()
	out := make([]models.RecommendationEvent, 0)
	for rows.Next() {
		var ev models.RecommendationEvent
		if err := rows.Scan(&ev.RecommendationID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, wrap("scan recommendation event", err)
		}
		out = append(out, ev)
	}
	return out, wrap("recommendation events rows", rows.Err())
}

// appendRecommendationEvent adds an audit row.
func appendRecommendationEvent(ctx context.Context, tx pgx.Tx, id, event, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO recommendation_events (recommendation_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, id, event, detail)
	return wrap("append recommendation event", err)
}

func scanRecommendation(row pgx.Row) (models.Recommendation, error) {
	var (
		rec                         models.Recommendation
		recType, status             string
		action, evidence, guardrail []byte
	)
	if err := row.Scan(&rec.ID, &rec.Entity.Type, &rec.Entity.ID, &recType, &status, &action, &evidence, &guardrail, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.Recommendation{}, err
	}
	rec.Type = models.RecommendationType(recType)
	rec.Status = models.RecommendationStatus(status)
	if err := json.Unmarshal(action, &rec.Action); err != nil {
		return models.Recommendation{}, fmt.Errorf("unmarshal action: %w", err)
	}
	if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
		return models.Recommendation{}, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(guardrail, &rec.Guardrail); err != nil {
		return models.Recommendation{}, fmt.Errorf("unmarshal guardrail: %w", err)
	}
	return rec, nil
}
