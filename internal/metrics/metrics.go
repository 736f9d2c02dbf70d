package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "silo_lease"

var (
	// Lease lifecycle
	LeasesGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_leases_granted_total",
			Help: "Total number of managed-key leases granted",
		},
		[]string{"provider", "tier"},
	)

	LeaseRequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_lease_requests_rejected_total",
			Help: "Total number of lease requests rejected before a lease was created",
		},
		[]string{"reason"},
	)

	LeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_leases_expired_total",
			Help: "Total number of leases transitioned to expired by the reclaimer",
		},
	)

	LeasesRevoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_leases_revoked_total",
			Help: "Total number of leases revoked",
		},
		[]string{"cause"},
	)

	AgentsDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_agents_disabled_total",
			Help: "Total number of agents disabled because their lease expired",
		},
	)

	// Cascade
	CascadeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_cascade_failures_total",
			Help: "Total number of per-agent failures while propagating key changes",
		},
		[]string{"action"},
	)

	// Reclaimer
	ReclaimerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_reclaimer_tick_duration_seconds",
			Help:    "Duration of lease reclaimer sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReclaimerTickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_reclaimer_tick_errors_total",
			Help: "Total number of reclaimer sweeps that ended with an error",
		},
	)

	// Credentials
	DecryptFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_decrypt_fallbacks_total",
			Help: "Total number of ciphertext values that could not be decrypted and were used as stored",
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
