package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"listing-ops/internal/lock"
	"listing-ops/internal/models"
)

// DefaultMaxAttempts applies when a submitter leaves MaxAttempts unset.
const DefaultMaxAttempts = 5

const jobColumns = `id, type, entity_type, entity_id, status, priority, attempts, max_attempts,
	run_at, started_at, finished_at, locked_by, input, result, log, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type   models.JobType
	Entity *models.EntityRef
	// Priority falls back to models.DefaultPriority when nil.
	Priority    *int
	Input       map[string]any
	RunAt       time.Time
	MaxAttempts int
	// DedupePending skips the insert when a PENDING job with the same type,
	// entity and structurally equal input exists. Always on for publish jobs.
	DedupePending bool
}

func (p *CreateJobParams) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Priority == nil {
		prio := models.DefaultPriority(p.Type)
		p.Priority = &prio
	}
	if p.Input == nil {
		p.Input = map[string]any{}
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Type.IsPublish() {
		p.DedupePending = true
	}
}

// Submit enqueues a job. It returns created=false together with the already
// pending job when deduplication suppressed the insert.
func (s *Store) Submit(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	var (
		job     models.Job
		created bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, created, err = submitTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return models.Job{}, false, err
	}
	return job, created, nil
}

// CreatePublishJob enqueues a publish job for a listing unless an identical
// one is still pending.
func (s *Store) CreatePublishJob(ctx context.Context, entityID int64, jobType models.JobType, input map[string]any) (models.Job, bool, error) {
	if !jobType.IsPublish() {
		return models.Job{}, false, fmt.Errorf("create publish job: %s is not a publish job type", jobType)
	}
	entity := models.ListingRef(entityID)
	return s.Submit(ctx, CreateJobParams{Type: jobType, Entity: &entity, Input: input})
}

func submitTx(ctx context.Context, tx pgx.Tx, p CreateJobParams) (models.Job, bool, error) {
	p.normalize()
	if !p.DedupePending {
		job, err := insertJob(ctx, tx, p)
		return job, err == nil, err
	}

	input, err := json.Marshal(p.Input)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal input: %w", err)
	}
	entityType, entityID := entityParams(p.Entity)

	// Serialize concurrent submitters of the same logical job so the
	// check-then-insert below cannot race.
	key := lock.Key("submit", string(p.Type), entityKeyPart(p.Entity))
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return models.Job{}, false, wrap("submit lock", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE type = $1
		  AND entity_type IS NOT DISTINCT FROM $2::text
		  AND entity_id IS NOT DISTINCT FROM $3::bigint
		  AND status = 'PENDING'
		  AND input = $4::jsonb
		ORDER BY created_at
		LIMIT 1
	`, p.Type, entityType, entityID, input)
	existing, err := scanJob(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, wrap("find pending duplicate", err)
	}

	job, err := insertJob(ctx, tx, p)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func insertJob(ctx context.Context, q dbtx, p CreateJobParams) (models.Job, error) {
	p.normalize()
	input, err := json.Marshal(p.Input)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal input: %w", err)
	}
	logJSON, err := json.Marshal([]models.JobLogEntry{{At: time.Now().UTC(), Event: "enqueued"}})
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal log: %w", err)
	}
	entityType, entityID := entityParams(p.Entity)

	row := q.QueryRow(ctx, `
		INSERT INTO jobs (id, type, entity_type, entity_id, status, priority, attempts, max_attempts, run_at, input, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', $5, 0, $6, $7, $8, $9, NOW(), NOW())
		RETURNING `+jobColumns,
		uuid.NewString(), p.Type, entityType, entityID, *p.Priority, p.MaxAttempts, p.RunAt, input, logJSON)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, wrap("insert job", err)
	}
	return job, nil
}

// ClaimJobs moves up to limit eligible jobs to RUNNING for workerID. Rows
// locked by another claimer are skipped, never waited on. An empty slice
// means nothing is eligible right now; outages surface as ErrUnavailable.
func (s *Store) ClaimJobs(ctx context.Context, workerID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var jobs []models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH next AS (
				SELECT id FROM jobs
				WHERE status = 'PENDING'
				  AND run_at <= NOW()
				  AND attempts < max_attempts
				ORDER BY priority DESC, run_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j
			SET status = 'RUNNING',
			    started_at = NOW(),
			    finished_at = NULL,
			    attempts = j.attempts + 1,
			    locked_by = $2,
			    updated_at = NOW(),
			    log = j.log || jsonb_build_array(jsonb_build_object(
			        'at', NOW(), 'event', 'claimed', 'attempt', j.attempts + 1,
			        'message', 'claimed by ' || $2::text, 'duration_ms', 0))
			FROM next
			WHERE j.id = next.id
			RETURNING j.id, j.type, j.entity_type, j.entity_id, j.status, j.priority, j.attempts, j.max_attempts,
			          j.run_at, j.started_at, j.finished_at, j.locked_by, j.input, j.result, j.log, j.created_at, j.updated_at
		`, limit, workerID)
		if err != nil {
			return wrap("claim jobs", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return wrap("scan claimed job", err)
			}
			jobs = append(jobs, job)
		}
		return wrap("claim jobs rows", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].RunAt.Before(jobs[j].RunAt)
	})
	return jobs, nil
}

// Lease identifies one claim of a job: the worker that took it and the
// attempt number the claim consumed. Transitions only land while the row is
// still RUNNING under the same lease, so a worker whose job was recovered as
// stale and claimed again cannot overwrite the new claim.
type Lease struct {
	JobID    string
	WorkerID string
	Attempt  int
}

// LeaseOf returns the lease a claimed job was handed out under.
func LeaseOf(job models.Job) Lease {
	l := Lease{JobID: job.ID, Attempt: job.Attempts}
	if job.LockedBy != nil {
		l.WorkerID = *job.LockedBy
	}
	return l
}

// CompleteJob marks a RUNNING job SUCCEEDED and enqueues followUps in the
// same transaction, so derived work exists as soon as the success is visible.
func (s *Store) CompleteJob(ctx context.Context, lease Lease, result map[string]any, entry models.JobLogEntry, followUps []CreateJobParams) ([]models.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	logJSON, err := json.Marshal([]models.JobLogEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("marshal log: %w", err)
	}

	var created []models.Job
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'SUCCEEDED', finished_at = NOW(), result = $2, locked_by = NULL,
			    log = log || $3::jsonb, updated_at = NOW()
			WHERE id = $1 AND status = 'RUNNING' AND locked_by = $4 AND attempts = $5
		`, lease.JobID, resultJSON, logJSON, lease.WorkerID, lease.Attempt)
		if err != nil {
			return wrap("complete job", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("complete job %s: %w", lease.JobID, ErrInvalidTransition)
		}
		for _, p := range followUps {
			job, _, err := submitTx(ctx, tx, p)
			if err != nil {
				return fmt.Errorf("enqueue follow-up %s: %w", p.Type, err)
			}
			created = append(created, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RetryJob returns a RUNNING job to PENDING, eligible again at nextRun. The
// attempt taken at claim time stays consumed.
func (s *Store) RetryJob(ctx context.Context, lease Lease, nextRun time.Time, entry models.JobLogEntry) error {
	return s.finishRunning(ctx, "retry job", lease, `
		UPDATE jobs
		SET status = 'PENDING', run_at = $2, locked_by = NULL, log = log || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND locked_by = $4 AND attempts = $5
	`, nextRun, entry)
}

// ReleaseJob returns a RUNNING job to PENDING and gives back the attempt it
// consumed. Used for infrastructure failures that say nothing about the job.
func (s *Store) ReleaseJob(ctx context.Context, lease Lease, nextRun time.Time, entry models.JobLogEntry) error {
	return s.finishRunning(ctx, "release job", lease, `
		UPDATE jobs
		SET status = 'PENDING', run_at = $2, attempts = GREATEST(attempts - 1, 0), locked_by = NULL,
		    log = log || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND locked_by = $4 AND attempts = $5
	`, nextRun, entry)
}

// FailJob moves a RUNNING job to terminal FAILED.
func (s *Store) FailJob(ctx context.Context, lease Lease, entry models.JobLogEntry) error {
	return s.finishRunning(ctx, "fail job", lease, `
		UPDATE jobs
		SET status = 'FAILED', finished_at = $2, locked_by = NULL, log = log || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND locked_by = $4 AND attempts = $5
	`, time.Now().UTC(), entry)
}

func (s *Store) finishRunning(ctx context.Context, op string, lease Lease, query string, at time.Time, entry models.JobLogEntry) error {
	logJSON, err := json.Marshal([]models.JobLogEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, lease.JobID, at, logJSON, lease.WorkerID, lease.Attempt)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s (worker %q, attempt %d): %w", op, lease.JobID, lease.WorkerID, lease.Attempt, ErrInvalidTransition)
	}
	return nil
}

// CancelJob cancels a job that has not been claimed yet.
func (s *Store) CancelJob(ctx context.Context, id string) (models.Job, error) {
	entry, err := json.Marshal([]models.JobLogEntry{{At: time.Now().UTC(), Event: "cancelled"}})
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal log: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'CANCELLED', finished_at = NOW(), log = log || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+jobColumns, id, entry)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, wrap("cancel job", err)
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return models.Job{}, err
	}
	return models.Job{}, fmt.Errorf("cancel job %s: %w", id, ErrNotCancellable)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, wrap("get job", err)
	}
	return job, nil
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	qb := psql.Select(jobColumns).From("jobs").OrderBy("created_at DESC").Limit(uint64(limit))
	if f.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		qb = qb.Where(sq.Eq{"type": string(f.Type)})
	}
	if f.Entity != nil {
		qb = qb.Where(sq.Eq{"entity_type": f.Entity.Type, "entity_id": f.Entity.ID})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	defer rows.Close()
	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrap("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, wrap("list jobs rows", rows.Err())
}

// RecoverStaleJobs returns jobs stuck in RUNNING longer than staleAfter to
// PENDING, or to FAILED when they have no attempts left. The recovered rows
// are returned in their new state so callers can act on terminal failures.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
		    finished_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    run_at = NOW(),
		    locked_by = NULL,
		    updated_at = NOW(),
		    log = log || jsonb_build_array(jsonb_build_object(
		        'at', NOW(), 'event', 'stale_recovered', 'attempt', attempts,
		        'error_class', 'stale', 'message', 'worker lost while running', 'duration_ms', 0))
		WHERE status = 'RUNNING' AND started_at < NOW() - make_interval(secs => $1)
		RETURNING `+jobColumns, staleAfter.Seconds())
	if err != nil {
		return nil, wrap("recover stale jobs", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrap("scan stale job", err)
		}
		out = append(out, job)
	}
	return out, wrap("recover stale rows", rows.Err())
}

// VisibleJobs returns the count of jobs ready to run now.
func (s *Store) VisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'PENDING' AND run_at <= NOW() AND attempts < max_attempts
	`).Scan(&n); err != nil {
		return 0, wrap("count visible jobs", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		jobType    string
		status     string
		entityType pgtype.Text
		entityID   pgtype.Int8
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
		lockedBy   pgtype.Text
		input      []byte
		result     []byte
		logJSON    []byte
	)
	if err := row.Scan(&job.ID, &jobType, &entityType, &entityID, &status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.RunAt, &startedAt, &finishedAt, &lockedBy, &input, &result, &logJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if entityType.Valid && entityID.Valid {
		job.Entity = &models.EntityRef{Type: entityType.String, ID: entityID.Int64}
	}
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.LockedBy = textPtr(lockedBy)
	if len(input) > 0 {
		if err := json.Unmarshal(input, &job.Input); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &job.Log); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal log: %w", err)
		}
	}
	return job, nil
}

func entityParams(e *models.EntityRef) (*string, *int64) {
	if e == nil {
		return nil, nil
	}
	t, id := e.Type, e.ID
	return &t, &id
}

func entityKeyPart(e *models.EntityRef) string {
	if e == nil {
		return "-"
	}
	return e.Type + ":" + strconv.FormatInt(e.ID, 10)
}
