package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-ops/internal/models"
	"listing-ops/internal/telemetry"
)

// Claimer is the slice of the store the poll loop needs.
type Claimer interface {
	ClaimJobs(ctx context.Context, workerID string, limit int) ([]models.Job, error)
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) ([]models.Job, error)
	VisibleJobs(ctx context.Context) (int64, error)
}

// ProcessorOptions configures the poll loop.
type ProcessorOptions struct {
	WorkerID      string
	BatchSize     int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	StaleInterval time.Duration
	// MaxIdleBackoff caps the wait after repeated store outages.
	MaxIdleBackoff time.Duration
}

// Processor drives the worker execution loop: claim a batch, run it
// concurrently, repeat.
type Processor struct {
	claimer Claimer
	exec    *Executor
	opts    ProcessorOptions
	log     *slog.Logger
}

// NewProcessor fills unset options with defaults. An empty WorkerID becomes
// host-pid-random so locked_by identifies the process.
func NewProcessor(c Claimer, exec *Executor, opts ProcessorOptions, log *slog.Logger) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = DefaultWorkerID()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StaleInterval <= 0 {
		opts.StaleInterval = time.Minute
	}
	if opts.MaxIdleBackoff <= 0 {
		opts.MaxIdleBackoff = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{claimer: c, exec: exec, opts: opts, log: log.With("worker_id", opts.WorkerID)}
}

// DefaultWorkerID builds a worker id from host, pid and a random suffix.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID returns the id stamped on claimed jobs.
func (p *Processor) WorkerID() string { return p.opts.WorkerID }

// Run starts the main worker loop until context cancellation. In-flight jobs
// of the current batch are finished before it returns.
func (p *Processor) Run(ctx context.Context) error {
	staleTicker := time.NewTicker(p.opts.StaleInterval)
	defer staleTicker.Stop()

	p.log.Info("worker started", "batch_size", p.opts.BatchSize, "poll_interval", p.opts.PollInterval)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker stopping")
			return ctx.Err()
		case <-staleTicker.C:
			p.recoverStale(ctx)
		default:
		}

		n, err := p.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			failures++
			wait = min(time.Duration(failures)*p.opts.PollInterval, p.opts.MaxIdleBackoff)
			p.log.Warn("claim failed", "error", err, "retry_in", wait)
		case n < p.opts.BatchSize:
			failures = 0
			wait = p.opts.PollInterval
		default:
			failures = 0
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info("worker stopping")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce claims one batch and executes it, returning how many jobs ran.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	if v, err := p.claimer.VisibleJobs(ctx); err == nil {
		telemetry.VisibleJobs.Set(float64(v))
	}
	jobs, err := p.claimer.ClaimJobs(ctx, p.opts.WorkerID, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	telemetry.JobsClaimed.Add(float64(len(jobs)))

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		telemetry.InFlightGauge.Inc()
		go func(job models.Job) {
			defer wg.Done()
			defer telemetry.InFlightGauge.Dec()
			p.exec.Execute(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (p *Processor) recoverStale(ctx context.Context) {
	if p.opts.StaleAfter <= 0 {
		return
	}
	recovered, err := p.claimer.RecoverStaleJobs(ctx, p.opts.StaleAfter)
	if err != nil {
		p.log.Warn("stale recovery failed", "error", err)
		return
	}
	for _, j := range recovered {
		telemetry.StaleRecovered.Inc()
		p.log.Warn("recovered stale job", "job_id", j.ID, "status", j.Status)
		if j.Status == models.StatusFailed {
			p.exec.StaleFailed(ctx, j)
		}
	}
}
