package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result
	// (success|failure|second_factor).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certivault_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks sessions that are neither expired nor revoked.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certivault_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// TokenReuse counts refresh-token reuse events. Every increment is a
	// suspected token theft and has a matching critical audit entry.
	TokenReuse = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "certivault_refresh_token_reuse_total",
			Help: "Total number of refresh token reuse detections",
		},
	)

	// RateLimited counts requests blocked by the rate limiter, by resource
	// and action.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certivault_rate_limited_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"resource", "action"},
	)

	// APILatency observes request latency by method, path, and status.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certivault_api_request_duration_seconds",
			Help:    "HTTP request latency distributions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// AuditWriteFailures surfaces security audit entries that could not be
	// persisted. Record never fails its caller, so this counter is the
	// operational signal that events are being lost.
	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "certivault_audit_write_failures_total",
			Help: "Total number of security audit log write failures",
		},
	)
)
