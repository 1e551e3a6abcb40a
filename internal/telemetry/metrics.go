package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "listing_jobs_submitted_total", Help: "Jobs inserted, by type"}, []string{"type"})
	DedupHits        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "listing_jobs_dedup_hits_total", Help: "Submissions suppressed by a pending duplicate, by type"}, []string{"type"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "listing_job_outcomes_total", Help: "Executor outcomes by type and outcome"}, []string{"type", "outcome"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "listing_job_duration_seconds", Help: "Handler run time", Buckets: prometheus.DefBuckets}, []string{"type"})
	LockConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_entity_lock_conflicts_total", Help: "Entity lock acquisitions that found the lock held"})
	FeatureWrites    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "listing_feature_saves_total", Help: "Feature saves by result"}, []string{"result"})
	StaleRecovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_jobs_stale_recovered_total", Help: "RUNNING jobs recovered after exceeding the stale threshold"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	VisibleJobs      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "listing_jobs_visible", Help: "PENDING jobs eligible to run now"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "listing_jobs_inflight", Help: "Jobs currently executing in this process"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			DedupHits,
			JobsClaimed,
			JobOutcomes,
			JobDuration,
			LockConflicts,
			FeatureWrites,
			StaleRecovered,
			RateLimitRejects,
			VisibleJobs,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics with the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
