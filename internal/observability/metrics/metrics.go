package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantguard_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantguard_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantguard_http_requests_in_flight",
		Help: "HTTP requests currently being served",
	})

	identityOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantguard_identity_operations_total",
		Help: "Identity operations by name and result",
	}, []string{"operation", "result"})

	passwordHashDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantguard_password_hash_duration_seconds",
		Help:    "Time spent deriving or verifying password hashes",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	revocationsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantguard_revocations_pruned_total",
		Help: "Expired token revocations dropped from the in-memory store",
	})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantguard_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"scope"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantguard_circuit_breaker_state",
		Help: "Circuit breaker state per dependency: 0 closed, 1 open, 2 half-open",
	}, []string{"dependency"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// ObserveIdentity counts register/login/logout outcomes. result is a short
// label such as "success" or an error kind code.
func ObserveIdentity(operation, result string) {
	identityOperations.WithLabelValues(operation, result).Inc()
}

// ObservePasswordHash records KDF time.
func ObservePasswordHash(duration time.Duration) {
	passwordHashDuration.Observe(duration.Seconds())
}

// ObserveRevocationsPruned adds n pruned entries.
func ObserveRevocationsPruned(n int) {
	if n > 0 {
		revocationsPruned.Add(float64(n))
	}
}

// ObserveRateLimited counts a rejection for scope ("login", "api").
func ObserveRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

// SetBreakerState exports the numeric breaker state for dependency.
func SetBreakerState(dependency string, state int) {
	breakerState.WithLabelValues(dependency).Set(float64(state))
}
