// Package metrics holds the Prometheus instrumentation for the bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// osu! API
	OsuAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osu_api_requests_total",
			Help: "Total number of osu! API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	OsuAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osu_api_request_duration_seconds",
			Help:    "Duration of osu! API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	OsuTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osu_token_refreshes_total",
			Help: "Total number of OAuth token refreshes by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Role sync
	RoleSyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_sync_runs_total",
			Help: "Total number of role sync passes by result",
		},
		[]string{"result"},
	)

	RoleSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "role_sync_duration_seconds",
			Help:    "Duration of a full role sync pass in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RoleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_transitions_total",
			Help: "Total number of tier role transitions by kind",
		},
		[]string{"kind"},
	)

	RoleSyncSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_sync_members_skipped_total",
			Help: "Members skipped during role sync by reason",
		},
		[]string{"reason"},
	)

	// Identity linker
	LinkerActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linker_actions_total",
			Help: "Identity linker actions by kind",
		},
		[]string{"action"},
	)

	// Personal bests
	NewBestPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newbest_scores_posted_total",
			Help: "Total number of personal best scores announced",
		},
	)

	GlobalTopPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "globaltop_scores_posted_total",
			Help: "Total number of global leaderboard placements announced",
		},
	)

	// Scheduled jobs
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Total number of scheduled or manual job runs",
		},
		[]string{"job", "trigger", "result"},
	)

	JobLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of a job",
		},
		[]string{"job"},
	)
)
