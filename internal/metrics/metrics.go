// Package metrics declares the Prometheus collectors shared across the auth
// core. Collectors are registered on the default registry and exposed via
// /metrics in the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState tracks the current circuit breaker state per dependency:
	// 0 = closed, 1 = half-open, 2 = open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "authcore",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
	}, []string{"dependency"})

	// AuthAttempts counts authentication attempts by strategy and outcome.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authcore",
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	// AuditHighRisk counts audit records that crossed the high-risk thresholds.
	AuditHighRisk = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authcore",
		Name:      "audit_high_risk_total",
		Help:      "Audit records dispatched to the high-risk handler.",
	}, []string{"severity"})

	// SessionEvictions counts sessions evicted by the concurrent-session limit.
	SessionEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authcore",
		Name:      "session_evictions_total",
		Help:      "Sessions evicted to enforce the concurrent-session limit.",
	})
)
