package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-ops/internal/features"
	"listing-ops/internal/lock"
	"listing-ops/internal/models"
	"listing-ops/internal/store"
	"listing-ops/internal/testutil"
	"listing-ops/internal/worker"
)

func ptr[T any](v T) *T { return &v }

func TestStoreIntegration(t *testing.T) {
	st, _ := testutil.NewStore(t)

	tests := []struct {
		name string
		fn   func(t *testing.T, st *store.Store)
	}{
		{"claim is at most once under concurrent claimers", testConcurrentClaim},
		{"claim order and eligibility", testClaimOrder},
		{"retry consumes attempt and delays", testRetryDelays},
		{"release gives the attempt back", testReleaseGivesAttemptBack},
		{"cancel only pending", testCancelOnlyPending},
		{"stale running jobs recover", testRecoverStale},
		{"a reclaimed job rejects the previous worker", testStaleLeaseIsFenced},
		{"feature snapshots deduplicate by content", testFeatureDedup},
		{"publish jobs deduplicate while pending", testPublishDedup},
		{"concurrent publish submissions create one job", testConcurrentPublishDedup},
		{"supersession leaves reviewed recommendations alone", testSupersession},
		{"concurrent generation keeps one open set", testConcurrentGeneration},
		{"recommendation review transitions", testRecommendationTransitions},
		{"success enqueues the trigger chain atomically", testTriggerChain},
		{"listings upsert and update", testListings},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testutil.Reset(t, st)
			tc.fn(t, st)
		})
	}
}

func submit(t *testing.T, st *store.Store, p store.CreateJobParams) models.Job {
	t.Helper()
	job, created, err := st.Submit(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func ingest(id int64) store.CreateJobParams {
	entity := models.ListingRef(id)
	return store.CreateJobParams{Type: models.JobIngest, Entity: &entity}
}

func testConcurrentClaim(t *testing.T, st *store.Store) {
	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		submit(t, st, ingest(int64(i+1)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		dups []string
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for {
				jobs, err := st.ClaimJobs(ctx, name, 3)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, ok := seen[j.ID]; ok {
						dups = append(dups, j.ID+" by "+prev+" and "+name)
					}
					seen[j.ID] = name
				}
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Empty(t, dups)
	assert.Len(t, seen, total)

	running, err := st.ListJobs(ctx, models.JobFilter{Status: models.StatusRunning, Limit: 500})
	require.NoError(t, err)
	assert.Len(t, running, total)
	for _, j := range running {
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.LockedBy)
		assert.Equal(t, seen[j.ID], *j.LockedBy)
		assert.NotNil(t, j.StartedAt)
	}
}

func testClaimOrder(t *testing.T, st *store.Store) {
	ctx := context.Background()
	low := submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(1)), Priority: ptr(1)})
	high := submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(2)), Priority: ptr(9)})
	submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(3)), Priority: ptr(50), RunAt: time.Now().Add(time.Hour)})

	jobs, err := st.ClaimJobs(ctx, "w", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "future jobs are not visible")
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)

	n, err := st.VisibleJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testRetryDelays(t *testing.T, st *store.Store) {
	ctx := context.Background()
	job := submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(1)), MaxAttempts: 3})

	var lastRun time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := st.ClaimJobs(ctx, "w", 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, claimed[0].Attempts)

		next := time.Now().Add(time.Hour)
		require.NoError(t, st.RetryJob(ctx, store.LeaseOf(claimed[0]), next, models.JobLogEntry{At: time.Now(), Event: "retry_scheduled", Attempt: attempt}))

		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.True(t, got.RunAt.After(lastRun), "run_at must move forward")
		lastRun = got.RunAt

		none, err := st.ClaimJobs(ctx, "w", 1)
		require.NoError(t, err)
		assert.Empty(t, none, "a delayed job is invisible until run_at")

		_, err = st.Pool().Exec(ctx, `UPDATE jobs SET run_at = NOW() - INTERVAL '1 second' WHERE id = $1`, job.ID)
		require.NoError(t, err)
	}

	exhausted, err := st.ClaimJobs(ctx, "w", 1)
	require.NoError(t, err)
	assert.Empty(t, exhausted, "attempts == max_attempts is never claimable")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	var retries int
	for _, e := range got.Log {
		if e.Event == "retry_scheduled" {
			retries++
		}
	}
	assert.Equal(t, 3, retries)
}

func testReleaseGivesAttemptBack(t *testing.T, st *store.Store) {
	ctx := context.Background()
	job := submit(t, st, ingest(1))
	claimed, err := st.ClaimJobs(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	lease := store.LeaseOf(claimed[0])

	require.NoError(t, st.ReleaseJob(ctx, lease, time.Now(), models.JobLogEntry{At: time.Now(), Event: "released"}))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.LockedBy)

	err = st.ReleaseJob(ctx, lease, time.Now(), models.JobLogEntry{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "only RUNNING jobs can be released")
}

func testCancelOnlyPending(t *testing.T, st *store.Store) {
	ctx := context.Background()
	pending := submit(t, st, ingest(1))
	cancelled, err := st.CancelJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	running := submit(t, st, ingest(2))
	_, err = st.ClaimJobs(ctx, "w", 1)
	require.NoError(t, err)
	_, err = st.CancelJob(ctx, running.ID)
	assert.ErrorIs(t, err, store.ErrNotCancellable)

	_, err = st.CancelJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.CancelJob(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRecoverStale(t *testing.T, st *store.Store) {
	ctx := context.Background()
	retryable := submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(1)), MaxAttempts: 3})
	lastTry := submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(2)), MaxAttempts: 1})
	_, err := st.ClaimJobs(ctx, "w", 2)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	recovered, err := st.RecoverStaleJobs(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	byID := map[string]models.JobStatus{}
	for _, r := range recovered {
		byID[r.ID] = r.Status
	}
	assert.Equal(t, models.StatusPending, byID[retryable.ID])
	assert.Equal(t, models.StatusFailed, byID[lastTry.ID])
	for _, r := range recovered {
		assert.Nil(t, r.LockedBy)
		require.NotNil(t, r.Entity, "recovered rows come back whole")
	}
}

func testStaleLeaseIsFenced(t *testing.T, st *store.Store) {
	ctx := context.Background()
	job := submit(t, st, store.CreateJobParams{Type: models.JobIngest, Entity: ptr(models.ListingRef(1)), MaxAttempts: 3})

	first, err := st.ClaimJobs(ctx, "worker-a", 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	slow := store.LeaseOf(first[0])
	time.Sleep(20 * time.Millisecond)
	recovered, err := st.RecoverStaleJobs(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	second, err := st.ClaimJobs(ctx, "worker-b", 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	current := store.LeaseOf(second[0])
	assert.Equal(t, store.Lease{JobID: job.ID, WorkerID: "worker-b", Attempt: 2}, current)

	entry := models.JobLogEntry{At: time.Now(), Event: "succeeded", Attempt: 1}
	_, err = st.CompleteJob(ctx, slow, map[string]any{}, entry, worker.FollowUps(first[0], map[string]any{}, 0))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.ErrorIs(t, st.ReleaseJob(ctx, slow, time.Now(), entry), store.ErrInvalidTransition)
	assert.ErrorIs(t, st.RetryJob(ctx, slow, time.Now(), entry), store.ErrInvalidTransition)
	assert.ErrorIs(t, st.FailJob(ctx, slow, entry), store.ErrInvalidTransition)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "worker-b", *got.LockedBy)
	follow, err := st.ListJobs(ctx, models.JobFilter{Type: models.JobComputeFeatures})
	require.NoError(t, err)
	assert.Empty(t, follow, "the lost worker enqueues nothing")

	_, err = st.CompleteJob(ctx, current, map[string]any{}, entry, nil)
	require.NoError(t, err)
}

func testFeatureDedup(t *testing.T, st *store.Store) {
	ctx := context.Background()
	entity := models.ListingRef(5)
	payload := map[string]any{"price": 24.0, "stock": 3.0, "margin": 0.5}

	first, inserted, err := st.SaveFeatures(ctx, entity, features.SchemaVersion, payload)
	require.NoError(t, err)
	assert.True(t, inserted)

	again, inserted, err := st.SaveFeatures(ctx, entity, features.SchemaVersion, map[string]any{"margin": 0.5, "stock": 3.0, "price": 24.0})
	require.NoError(t, err)
	assert.False(t, inserted, "key order must not matter")
	assert.Equal(t, first.ID, again.ID)

	changed, inserted, err := st.SaveFeatures(ctx, entity, features.SchemaVersion, map[string]any{"price": 25.0, "stock": 3.0, "margin": 0.5})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, changed.ComputedAt.After(first.ComputedAt))

	current, err := st.CurrentFeatures(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, changed.ID, current.ID)

	history, err := st.FeatureHistory(ctx, entity, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, changed.ID, history[0].ID)

	_, err = st.CurrentFeatures(ctx, models.ListingRef(6))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPublishDedup(t *testing.T, st *store.Store) {
	ctx := context.Background()
	first, created, err := st.CreatePublishJob(ctx, 42, models.JobPublishPrice, map[string]any{"price": 19.99})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := st.CreatePublishJob(ctx, 42, models.JobPublishPrice, map[string]any{"price": 19.99})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	_, created, err = st.CreatePublishJob(ctx, 42, models.JobPublishPrice, map[string]any{"price": 20.49})
	require.NoError(t, err)
	assert.True(t, created, "different input is a different job")

	_, created, err = st.CreatePublishJob(ctx, 43, models.JobPublishPrice, map[string]any{"price": 19.99})
	require.NoError(t, err)
	assert.True(t, created, "different entity is a different job")

	// Once the first leaves PENDING the same input may be submitted again.
	_, err = st.CancelJob(ctx, first.ID)
	require.NoError(t, err)
	_, created, err = st.CreatePublishJob(ctx, 42, models.JobPublishPrice, map[string]any{"price": 19.99})
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = st.CreatePublishJob(ctx, 42, models.JobIngest, nil)
	assert.Error(t, err)
}

func testConcurrentPublishDedup(t *testing.T, st *store.Store) {
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, isNew, err := st.CreatePublishJob(ctx, 42, models.JobPublishStock, map[string]any{"stock": 7})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[job.ID] = true
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func sampleRecs() []models.Recommendation {
	return []models.Recommendation{
		{Type: models.RecPriceIncrease, Action: map[string]any{"price": 26.5}},
		{Type: models.RecRestock, Action: map[string]any{"reorder_quantity": 20}},
	}
}

func testSupersession(t *testing.T, st *store.Store) {
	ctx := context.Background()
	entity := models.ListingRef(9)

	superseded, created, err := st.ReplaceOpenRecommendations(ctx, entity, sampleRecs())
	require.NoError(t, err)
	assert.Zero(t, superseded)
	require.Len(t, created, 2)

	accepted, err := st.TransitionRecommendation(ctx, created[0].ID, models.RecAccepted, "ok")
	require.NoError(t, err)
	rejected, err := st.TransitionRecommendation(ctx, created[1].ID, models.RecRejected, "no")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		superseded, _, err = st.ReplaceOpenRecommendations(ctx, entity, sampleRecs())
		require.NoError(t, err)
		if i == 0 {
			assert.Zero(t, superseded, "reviewed rows are not OPEN")
		} else {
			assert.Equal(t, 2, superseded)
		}
	}

	open, err := st.ListRecommendations(ctx, entity, models.RecOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	got, err := st.GetRecommendation(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecAccepted, got.Status)
	got, err = st.GetRecommendation(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecRejected, got.Status)

	all, err := st.ListRecommendations(ctx, entity, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func testConcurrentGeneration(t *testing.T, st *store.Store) {
	ctx := context.Background()
	entity := models.ListingRef(7)
	_, _, err := st.SaveFeatures(ctx, entity, features.SchemaVersion, map[string]any{"margin": 0.20})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// One locker per goroutine behaves like separate worker processes.
			h := &worker.ListingHandlers{Store: st, Locker: lock.NewPostgresLocker(st.Pool())}
			job := models.Job{ID: "gen", Type: models.JobGenerateRecommendations, Entity: &entity}
			_, err := h.GenerateRecommendations(ctx, job)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, lock.ErrHeld):
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, succeeded, 1)

	open, err := st.ListRecommendations(ctx, entity, models.RecOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.RecPriceIncrease, open[0].Type)

	all, err := st.ListRecommendations(ctx, entity, "")
	require.NoError(t, err)
	assert.Len(t, all, succeeded, "each successful run adds one and supersedes the previous")
}

func testRecommendationTransitions(t *testing.T, st *store.Store) {
	ctx := context.Background()
	_, created, err := st.ReplaceOpenRecommendations(ctx, models.ListingRef(3), sampleRecs()[:1])
	require.NoError(t, err)
	id := created[0].ID

	_, err = st.TransitionRecommendation(ctx, id, models.RecApplied, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "OPEN cannot jump to APPLIED")

	_, err = st.TransitionRecommendation(ctx, id, models.RecSnoozed, "later")
	require.NoError(t, err)
	_, err = st.TransitionRecommendation(ctx, id, models.RecAccepted, "now")
	require.NoError(t, err)
	_, err = st.TransitionRecommendation(ctx, id, models.RecRejected, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	applied, err := st.TransitionRecommendation(ctx, id, models.RecApplied, "job x")
	require.NoError(t, err)
	assert.Equal(t, models.RecApplied, applied.Status)

	events, err := st.RecommendationEvents(ctx, id)
	require.NoError(t, err)
	var names []string
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{"created", "SNOOZED", "ACCEPTED", "APPLIED"}, names)

	_, err = st.TransitionRecommendation(ctx, "00000000-0000-0000-0000-000000000000", models.RecAccepted, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.TransitionRecommendation(ctx, id, models.RecSuperseded, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "SUPERSEDED is reserved for generation")
}

func testTriggerChain(t *testing.T, st *store.Store) {
	ctx := context.Background()
	origin, _, err := st.CreatePublishJob(ctx, 5, models.JobPublishPrice, map[string]any{"price": 30.0})
	require.NoError(t, err)
	claimed, err := st.ClaimJobs(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	result := map[string]any{"listing_id": 5, "price": 30.0}
	followUps, err := st.CompleteJob(ctx, store.LeaseOf(claimed[0]), result, models.JobLogEntry{At: time.Now(), Event: "succeeded", Attempt: 1},
		worker.FollowUps(claimed[0], result, 0))
	require.NoError(t, err)
	require.Len(t, followUps, 1)

	compute := followUps[0]
	assert.Equal(t, models.JobComputeFeatures, compute.Type)
	assert.Equal(t, models.StatusPending, compute.Status)
	assert.Equal(t, origin.Priority-1, compute.Priority)
	require.NotNil(t, compute.Entity)
	assert.Equal(t, models.ListingRef(5), *compute.Entity)
	assert.Equal(t, origin.ID, compute.Input["triggered_by"])

	done, err := st.GetJob(ctx, origin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, done.Status)
	assert.EqualValues(t, 30.0, done.Result["price"])

	// Completing twice is rejected and enqueues nothing.
	_, err = st.CompleteJob(ctx, store.LeaseOf(claimed[0]), result, models.JobLogEntry{Event: "succeeded"}, worker.FollowUps(claimed[0], result, 0))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	pending, err := st.ListJobs(ctx, models.JobFilter{Type: models.JobComputeFeatures})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// A compute run that produced no new snapshot ends the chain.
	claimed, err = st.ClaimJobs(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	next, err := st.CompleteJob(ctx, store.LeaseOf(claimed[0]), map[string]any{"inserted": false}, models.JobLogEntry{Event: "succeeded"},
		worker.FollowUps(claimed[0], map[string]any{"inserted": false}, 0))
	require.NoError(t, err)
	assert.Empty(t, next)
}

func testListings(t *testing.T, st *store.Store) {
	ctx := context.Background()
	_, err := st.UpsertListing(ctx, models.Listing{ID: 5, SKU: "A-5", Title: "Lamp", Price: 24, Stock: 3, UnitCost: 10, VATRate: 0.2})
	require.NoError(t, err)
	_, err = st.UpsertListing(ctx, models.Listing{ID: 5, SKU: "A-5", Title: "Desk lamp", Price: 25, Stock: 3, UnitCost: 10, VATRate: 0.2})
	require.NoError(t, err)

	require.NoError(t, st.SetListingStock(ctx, 5, 9))
	l, err := st.GetListing(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Desk lamp", l.Title)
	assert.Equal(t, 25.0, l.Price)
	assert.Equal(t, 9, l.Stock)

	ids, err := st.ListingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)

	assert.ErrorIs(t, st.SetListingPrice(ctx, 6, 10), store.ErrNotFound)
	_, err = st.GetListing(ctx, 6)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
