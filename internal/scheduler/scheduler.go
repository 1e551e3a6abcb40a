// Package scheduler runs periodic ingestion sweeps.
//
// Each sweep enqueues an INGEST job for every known listing. Submissions use
// pending deduplication, so a sweep that fires while the previous one is still
// queued adds nothing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"listing-ops/internal/models"
	"listing-ops/internal/store"
	"listing-ops/internal/telemetry"
)

// Source lists listings and accepts job submissions.
type Source interface {
	ListingIDs(ctx context.Context) ([]int64, error)
	Submit(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
}

// Options configures the jobs a sweep submits.
type Options struct {
	// MaxAttempts is the attempt budget of each INGEST job; zero uses the
	// store default.
	MaxAttempts int
}

// Scheduler provides cron-based ingestion scheduling.
type Scheduler struct {
	cron   *cron.Cron
	src    Source
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stopped scheduler. Call Start to begin firing.
func New(src Source, opts Options, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	// 5-field specs plus descriptors such as "@every 1h".
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, src: src, opts: opts, log: log, ctx: ctx, cancel: cancel}
}

// AddIngestSweep registers the ingestion sweep under spec.
func (s *Scheduler) AddIngestSweep(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.IngestSweep(s.ctx); err != nil {
			s.log.Warn("ingest sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule ingest sweep %q: %w", spec, err)
	}
	return nil
}

// Start begins firing registered sweeps.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// IngestSweep enqueues one INGEST per listing and returns how many were new.
func (s *Scheduler) IngestSweep(ctx context.Context) (int, error) {
	ids, err := s.src.ListingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list listings: %w", err)
	}
	start := time.Now()
	created := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		entity := models.ListingRef(id)
		_, isNew, err := s.src.Submit(ctx, store.CreateJobParams{
			Type:          models.JobIngest,
			Entity:        &entity,
			Input:         map[string]any{"source": "sweep"},
			MaxAttempts:   s.opts.MaxAttempts,
			DedupePending: true,
		})
		if err != nil {
			return created, fmt.Errorf("enqueue ingest for listing %d: %w", id, err)
		}
		if isNew {
			created++
			telemetry.JobsSubmitted.WithLabelValues(string(models.JobIngest)).Inc()
		} else {
			telemetry.DedupHits.WithLabelValues(string(models.JobIngest)).Inc()
		}
	}
	s.log.Info("ingest sweep", "listings", len(ids), "enqueued", created, "duration", time.Since(start))
	return created, nil
}
