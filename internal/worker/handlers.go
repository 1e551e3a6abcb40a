package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"listing-ops/internal/economics"
	"listing-ops/internal/features"
	"listing-ops/internal/lock"
	"listing-ops/internal/marketplace"
	"listing-ops/internal/models"
	"listing-ops/internal/recommend"
	"listing-ops/internal/store"
	"listing-ops/internal/telemetry"
)

// ListingStore is what the listing handlers read and write.
type ListingStore interface {
	GetListing(ctx context.Context, id int64) (models.Listing, error)
	UpsertListing(ctx context.Context, l models.Listing) (models.Listing, error)
	SetListingPrice(ctx context.Context, id int64, price float64) error
	SetListingStock(ctx context.Context, id int64, stock int) error
	SaveFeatures(ctx context.Context, entity models.EntityRef, schemaVersion int, payload map[string]any) (models.FeatureSnapshot, bool, error)
	CurrentFeatures(ctx context.Context, entity models.EntityRef) (models.FeatureSnapshot, error)
	ReplaceOpenRecommendations(ctx context.Context, entity models.EntityRef, recs []models.Recommendation) (int, []models.Recommendation, error)
	TransitionRecommendation(ctx context.Context, id string, to models.RecommendationStatus, detail string) (models.Recommendation, error)
}

// Marketplace fetches and publishes listing state.
type Marketplace interface {
	FetchListing(ctx context.Context, id int64) (marketplace.Snapshot, error)
	PublishPrice(ctx context.Context, id int64, price float64) error
	PublishStock(ctx context.Context, id int64, stock int) error
}

// Archiver keeps raw ingestion payloads and thumbnails.
type Archiver interface {
	StoreRaw(ctx context.Context, listingID int64, raw []byte) (string, error)
	StoreThumbnail(ctx context.Context, listingID int64, imageURL string) (string, error)
}

// ListingHandlers implements Handlers for listing entities.
type ListingHandlers struct {
	Store      ListingStore
	Market     Marketplace
	Locker     lock.Locker
	Archive    Archiver // optional
	Thumbnails bool
	Policy     economics.Policy
	Thresholds recommend.Thresholds
	Log        *slog.Logger
}

var _ Handlers = (*ListingHandlers)(nil)

// Ingest pulls the marketplace view of a listing into the listings table.
func (h *ListingHandlers) Ingest(ctx context.Context, job models.Job) (map[string]any, error) {
	entity, err := listingEntity(job)
	if err != nil {
		return nil, err
	}
	snap, err := h.Market.FetchListing(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	l, err := h.Store.UpsertListing(ctx, snap.Listing)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"listing_id": l.ID, "price": l.Price, "stock": l.Stock}

	if h.Archive != nil {
		if loc, err := h.Archive.StoreRaw(ctx, l.ID, snap.Raw); err != nil {
			h.logger().Warn("archive raw snapshot", "listing_id", l.ID, "error", err)
		} else {
			result["raw_archive"] = loc
		}
		if h.Thumbnails && l.ImageURL != "" {
			if loc, err := h.Archive.StoreThumbnail(ctx, l.ID, l.ImageURL); err != nil {
				h.logger().Warn("archive thumbnail", "listing_id", l.ID, "error", err)
			} else {
				result["thumbnail"] = loc
			}
		}
	}
	return result, nil
}

// ComputeFeatures derives features from the stored listing and saves them
// unless they equal the current snapshot.
func (h *ListingHandlers) ComputeFeatures(ctx context.Context, job models.Job) (map[string]any, error) {
	entity, err := listingEntity(job)
	if err != nil {
		return nil, err
	}
	l, err := h.Store.GetListing(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	snap, inserted, err := h.Store.SaveFeatures(ctx, entity, features.SchemaVersion, features.Compute(l))
	if err != nil {
		return nil, err
	}
	if inserted {
		telemetry.FeatureWrites.WithLabelValues("inserted").Inc()
	} else {
		telemetry.FeatureWrites.WithLabelValues("unchanged").Inc()
	}
	return map[string]any{
		"snapshot_id":  snap.ID,
		"content_hash": snap.ContentHash,
		"inserted":     inserted,
	}, nil
}

// GenerateRecommendations replaces the entity's OPEN recommendations with a
// fresh set derived from its current features, under the entity lock.
func (h *ListingHandlers) GenerateRecommendations(ctx context.Context, job models.Job) (map[string]any, error) {
	entity, err := listingEntity(job)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	err = lock.WithEntityLock(ctx, h.Locker, entity.Type, entity.ID, func(ctx context.Context) error {
		snap, err := h.Store.CurrentFeatures(ctx, entity)
		if err != nil {
			return err
		}
		recs := recommend.Generate(snap, h.thresholds())
		superseded, created, err := h.Store.ReplaceOpenRecommendations(ctx, entity, recs)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(created))
		for _, r := range created {
			ids = append(ids, r.ID)
		}
		result = map[string]any{
			"snapshot_id":        snap.ID,
			"superseded":         superseded,
			"created":            len(created),
			"recommendation_ids": ids,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PublishPrice pushes a new price after the guardrails pass.
func (h *ListingHandlers) PublishPrice(ctx context.Context, job models.Job) (map[string]any, error) {
	result, err := h.publishPrice(ctx, job)
	if err == nil {
		h.settleRecommendation(ctx, job, models.RecApplied, "job "+job.ID)
	}
	return result, err
}

func (h *ListingHandlers) publishPrice(ctx context.Context, job models.Job) (map[string]any, error) {
	entity, err := listingEntity(job)
	if err != nil {
		return nil, err
	}
	price, ok := numberInput(job.Input, "price")
	if !ok {
		return nil, Permanent(errors.New("input.price is required"))
	}
	l, err := h.Store.GetListing(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	eval := economics.Evaluate(economicSnapshot(l), economics.Change{Price: &price}, h.policy(job))
	if !eval.Passed {
		return nil, Permanent(fmt.Errorf("guardrail violations: %s", strings.Join(eval.Violations, ",")))
	}
	if err := h.Market.PublishPrice(ctx, entity.ID, price); err != nil {
		return nil, err
	}
	if err := h.Store.SetListingPrice(ctx, entity.ID, price); err != nil {
		return nil, err
	}
	return map[string]any{"listing_id": entity.ID, "price": price, "derived": eval.Derived}, nil
}

// PublishStock pushes a new stock level after the guardrails pass.
func (h *ListingHandlers) PublishStock(ctx context.Context, job models.Job) (map[string]any, error) {
	result, err := h.publishStock(ctx, job)
	if err == nil {
		h.settleRecommendation(ctx, job, models.RecApplied, "job "+job.ID)
	}
	return result, err
}

func (h *ListingHandlers) publishStock(ctx context.Context, job models.Job) (map[string]any, error) {
	entity, err := listingEntity(job)
	if err != nil {
		return nil, err
	}
	raw, ok := numberInput(job.Input, "stock")
	if !ok || raw != math.Trunc(raw) {
		return nil, Permanent(errors.New("input.stock must be an integer"))
	}
	stock := int(raw)
	l, err := h.Store.GetListing(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	eval := economics.Evaluate(economicSnapshot(l), economics.Change{Stock: &stock}, h.policy(job))
	if !eval.Passed {
		return nil, Permanent(fmt.Errorf("guardrail violations: %s", strings.Join(eval.Violations, ",")))
	}
	if err := h.Market.PublishStock(ctx, entity.ID, stock); err != nil {
		return nil, err
	}
	if err := h.Store.SetListingStock(ctx, entity.ID, stock); err != nil {
		return nil, err
	}
	return map[string]any{"listing_id": entity.ID, "stock": stock, "derived": eval.Derived}, nil
}

// JobFailed marks the recommendation a terminally failed publish job was
// created for as FAILED. Retries and released attempts never reach it.
func (h *ListingHandlers) JobFailed(ctx context.Context, job models.Job, reason string) {
	if !job.Type.IsPublish() {
		return
	}
	h.settleRecommendation(ctx, job, models.RecFailed, "job "+job.ID+": "+reason)
}

// settleRecommendation moves the ACCEPTED recommendation referenced by the
// job input to its final status.
func (h *ListingHandlers) settleRecommendation(ctx context.Context, job models.Job, to models.RecommendationStatus, detail string) {
	recID, _ := job.Input["recommendation_id"].(string)
	if recID == "" {
		return
	}
	if _, err := h.Store.TransitionRecommendation(context.WithoutCancel(ctx), recID, to, detail); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		h.logger().Warn("settle recommendation", "recommendation_id", recID, "status", to, "error", err)
	}
}

// policy applies the job's optional "force" override, which disables the
// price-jump limit but never the margin floor.
func (h *ListingHandlers) policy(job models.Job) economics.Policy {
	p := h.Policy
	if p == (economics.Policy{}) {
		p = economics.DefaultPolicy
	}
	if force, _ := job.Input["force"].(bool); force {
		p.MaxPriceChange = 0
	}
	return p
}

func (h *ListingHandlers) thresholds() recommend.Thresholds {
	if h.Thresholds == (recommend.Thresholds{}) {
		return recommend.DefaultThresholds
	}
	return h.Thresholds
}

func (h *ListingHandlers) logger() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

func listingEntity(job models.Job) (models.EntityRef, error) {
	if job.Entity == nil {
		return models.EntityRef{}, Permanent(fmt.Errorf("%s job %s has no entity", job.Type, job.ID))
	}
	if job.Entity.Type != models.EntityListing {
		return models.EntityRef{}, Permanent(fmt.Errorf("unsupported entity type %q", job.Entity.Type))
	}
	return *job.Entity, nil
}

func economicSnapshot(l models.Listing) economics.Snapshot {
	return economics.Snapshot{Price: l.Price, UnitCost: l.UnitCost, VATRate: l.VATRate, Stock: l.Stock}
}

func numberInput(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
