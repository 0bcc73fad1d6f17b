// Package metrics exposes the service's Prometheus collectors. Registration
// happens at init via promauto; the HTTP layer serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repcam_sessions_active",
		Help: "Number of live, non-terminal sessions",
	})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_sessions_started_total",
		Help: "Number of sessions started",
	})

	SessionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_sessions_terminated_total",
		Help: "Number of sessions that reached a terminal state",
	}, []string{"state"})

	SamplesFolded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_samples_folded_total",
		Help: "Number of metric samples folded into session accumulators",
	})

	SamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_samples_dropped_total",
		Help: "Number of late or overflowed samples dropped",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_events_published_total",
		Help: "Number of session events delivered to subscriber buffers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_events_dropped_total",
		Help: "Number of session events dropped because the subscriber was slow",
	})

	CommitsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_stats_commits_applied_total",
		Help: "Number of session results committed to durable stats",
	})

	CommitsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_stats_commits_duplicate_total",
		Help: "Number of commits skipped by the idempotency marker",
	})

	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_stats_commit_retries_total",
		Help: "Number of commit attempts retried after a storage failure",
	})
)
