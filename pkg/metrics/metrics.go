package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result
	// (success|failure|not_enabled).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentd_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// ConsentRegistrations counts registration events and their outcome.
	ConsentRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentd_registrations_total",
			Help: "Total number of deferred-consent registrations",
		},
		[]string{"result"},
	)

	// ConsentRedemptions counts token redemption attempts by outcome
	// (granted|noop|error).
	ConsentRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentd_redemptions_total",
			Help: "Total number of consent token redemption attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consentd_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
