// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_cache_lookups_total",
		Help: "Cache lookups by tier (memory, snapshot, durable) and result.",
	}, []string{"tier", "result"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_reconcile_runs_total",
		Help: "Reconciliation runs by provider and outcome.",
	}, []string{"provider", "outcome"})

	ReconcileEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_reconcile_events_total",
		Help: "Per-event reconciliation operations.",
	}, []string{"provider", "op"})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_fetch_attempts_total",
		Help: "Orchestrated attempts by outcome.",
	}, []string{"outcome"})

	FetchShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_fetch_shared_total",
		Help: "Callers that joined an in-flight call instead of issuing their own.",
	})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_fetch_duration_seconds",
		Help:    "Provider fetch latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	SchedulerUsers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_scheduler_users_total",
		Help: "Users handled by due-sync runs, by result.",
	}, []string{"result"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveDBLatency records the elapsed time since start for a database operation.
func ObserveDBLatency(operation string, start time.Time) {
	dbLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveFetch records provider fetch latency.
func ObserveFetch(provider string, start time.Time) {
	FetchDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
