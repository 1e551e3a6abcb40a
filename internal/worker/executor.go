package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"listing-ops/internal/dlq"
	"listing-ops/internal/models"
	"listing-ops/internal/store"
	"listing-ops/internal/telemetry"
)

// JobStore is the slice of the store the executor writes transitions through.
type JobStore interface {
	CompleteJob(ctx context.Context, lease store.Lease, result map[string]any, entry models.JobLogEntry, followUps []store.CreateJobParams) ([]models.Job, error)
	RetryJob(ctx context.Context, lease store.Lease, nextRun time.Time, entry models.JobLogEntry) error
	ReleaseJob(ctx context.Context, lease store.Lease, nextRun time.Time, entry models.JobLogEntry) error
	FailJob(ctx context.Context, lease store.Lease, entry models.JobLogEntry) error
}

// Handlers runs one job of each type. Every method must be safe to call
// again with the same input after a crash part way through.
type Handlers interface {
	Ingest(ctx context.Context, job models.Job) (map[string]any, error)
	ComputeFeatures(ctx context.Context, job models.Job) (map[string]any, error)
	GenerateRecommendations(ctx context.Context, job models.Job) (map[string]any, error)
	PublishPrice(ctx context.Context, job models.Job) (map[string]any, error)
	PublishStock(ctx context.Context, job models.Job) (map[string]any, error)
}

// FailureObserver is implemented by Handlers that keep state tied to a job,
// such as the recommendation a publish was created for. JobFailed is called
// once the job is terminally FAILED, whichever path got it there.
type FailureObserver interface {
	JobFailed(ctx context.Context, job models.Job, reason string)
}

// DeadLetter receives terminally failed jobs.
type DeadLetter interface {
	Push(ctx context.Context, e dlq.Entry) error
}

// ExecutorOptions tunes retry timing.
type ExecutorOptions struct {
	// BackoffBase is multiplied by the attempt number for retry delays.
	BackoffBase time.Duration
	// TransientDelay is how long a job waits after an infrastructure failure.
	TransientDelay time.Duration
	// MaxAttempts is the attempt budget given to follow-up jobs.
	MaxAttempts int
}

// Executor runs claimed jobs and is the only place that turns handler
// results into job status transitions.
type Executor struct {
	store    JobStore
	handlers Handlers
	dlq      DeadLetter
	opts     ExecutorOptions
	log      *slog.Logger
	now      func() time.Time
}

// NewExecutor wires an executor. dead may be nil.
func NewExecutor(st JobStore, h Handlers, dead DeadLetter, opts ExecutorOptions, log *slog.Logger) *Executor {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 10 * time.Second
	}
	if opts.TransientDelay <= 0 {
		opts.TransientDelay = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: st, handlers: h, dlq: dead, opts: opts, log: log, now: time.Now}
}

// Backoff is the linear retry delay after the given attempt.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// Execute runs job, which must already be RUNNING, and records the outcome.
// Failures to persist the transition are logged; the job then stays RUNNING
// until stale recovery picks it up.
func (e *Executor) Execute(ctx context.Context, job models.Job) Outcome {
	log := e.log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	start := e.now()
	result, err := e.dispatch(ctx, job)
	elapsed := e.now().Sub(start)
	telemetry.JobDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())

	outcome := Classify(err)
	entry := models.JobLogEntry{
		At:         e.now().UTC(),
		Attempt:    job.Attempts,
		ErrorClass: errorClass(outcome),
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Message = err.Error()
	}

	// Transitions must land even when the worker is shutting down.
	tctx := context.WithoutCancel(ctx)
	lease := store.LeaseOf(job)

	switch outcome {
	case OutcomeSucceeded:
		entry.Event = "succeeded"
		followUps := FollowUps(job, result, e.opts.MaxAttempts)
		created, serr := e.store.CompleteJob(tctx, lease, result, entry, followUps)
		if serr != nil {
			log.Error("record success", "error", serr)
			break
		}
		for _, f := range created {
			telemetry.JobsSubmitted.WithLabelValues(string(f.Type)).Inc()
			log.Info("follow-up enqueued", "follow_up_id", f.ID, "follow_up_type", f.Type, "priority", f.Priority)
		}
		log.Info("job succeeded", "duration_ms", entry.DurationMS)

	case OutcomeRetry, OutcomeConflict:
		if job.Attempts >= job.MaxAttempts {
			entry.Event = "failed"
			entry.Message = fmt.Sprintf("attempts exhausted (%d/%d): %s", job.Attempts, job.MaxAttempts, entry.Message)
			e.fail(tctx, log, job, entry)
			outcome = OutcomePermanent
			break
		}
		next := e.now().Add(Backoff(job.Attempts, e.opts.BackoffBase)).UTC()
		entry.Event = "retry_scheduled"
		entry.NextRunAt = &next
		if outcome == OutcomeConflict {
			telemetry.LockConflicts.Inc()
		}
		if serr := e.store.RetryJob(tctx, lease, next, entry); serr != nil {
			log.Error("record retry", "error", serr)
			break
		}
		log.Warn("job will retry", "outcome", outcome, "next_run_at", next, "error", err)

	case OutcomeTransient:
		next := e.now().Add(e.opts.TransientDelay).UTC()
		entry.Event = "released"
		entry.NextRunAt = &next
		if serr := e.store.ReleaseJob(tctx, lease, next, entry); serr != nil {
			log.Error("release job", "error", serr)
			break
		}
		log.Warn("job released after infrastructure failure", "next_run_at", next, "error", err)

	case OutcomePermanent:
		entry.Event = "failed"
		e.fail(tctx, log, job, entry)
	}

	telemetry.JobOutcomes.WithLabelValues(string(job.Type), string(outcome)).Inc()
	return outcome
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, job models.Job, entry models.JobLogEntry) {
	if err := e.store.FailJob(ctx, store.LeaseOf(job), entry); err != nil {
		log.Error("record failure", "error", err)
		return
	}
	log.Error("job failed", "error_class", entry.ErrorClass, "message", entry.Message)
	e.failed(ctx, log, job, entry)
}

// StaleFailed runs the terminal-failure side effects for a job that stale
// recovery moved to FAILED without any worker recording it.
func (e *Executor) StaleFailed(ctx context.Context, job models.Job) {
	entry := models.JobLogEntry{
		At:         e.now().UTC(),
		Event:      "failed",
		Attempt:    job.Attempts,
		ErrorClass: "stale",
		Message:    fmt.Sprintf("worker lost on final attempt (%d/%d)", job.Attempts, job.MaxAttempts),
	}
	if job.FinishedAt != nil {
		entry.At = job.FinishedAt.UTC()
	}
	log := e.log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	log.Error("job failed", "error_class", entry.ErrorClass, "message", entry.Message)
	telemetry.JobOutcomes.WithLabelValues(string(job.Type), string(OutcomePermanent)).Inc()
	e.failed(ctx, log, job, entry)
}

func (e *Executor) failed(ctx context.Context, log *slog.Logger, job models.Job, entry models.JobLogEntry) {
	if obs, ok := e.handlers.(FailureObserver); ok {
		obs.JobFailed(ctx, job, entry.Message)
	}
	if e.dlq == nil {
		return
	}
	de := dlq.Entry{
		JobID:      job.ID,
		JobType:    string(job.Type),
		Attempts:   job.Attempts,
		ErrorClass: entry.ErrorClass,
		Message:    entry.Message,
		FailedAt:   entry.At,
	}
	if job.Entity != nil {
		de.Entity = job.Entity.String()
	}
	if err := e.dlq.Push(ctx, de); err != nil {
		log.Warn("dead-letter push failed", "error", err)
	}
}

// dispatch selects the handler for job.Type. The switch covers every
// models.JobType; an unknown value fails the job permanently.
func (e *Executor) dispatch(ctx context.Context, job models.Job) (map[string]any, error) {
	switch job.Type {
	case models.JobIngest:
		return e.handlers.Ingest(ctx, job)
	case models.JobComputeFeatures:
		return e.handlers.ComputeFeatures(ctx, job)
	case models.JobGenerateRecommendations:
		return e.handlers.GenerateRecommendations(ctx, job)
	case models.JobPublishPrice:
		return e.handlers.PublishPrice(ctx, job)
	case models.JobPublishStock:
		return e.handlers.PublishStock(ctx, job)
	}
	return nil, Permanent(fmt.Errorf("unknown job type %q", job.Type))
}
