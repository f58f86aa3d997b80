// Package metrics collects Prometheus instrumentation for the daemon.
// Registration is lazy so CLI commands that never serve /metrics pay
// nothing.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the edge server.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deskgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	relayAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskgate",
			Subsystem: "relay",
			Name:      "attempts_total",
			Help:      "Relay attempts against backend instances by outcome.",
		},
		[]string{"outcome"},
	)
	tunnelSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deskgate",
			Subsystem: "tunnel",
			Name:      "sessions_active",
			Help:      "WebSocket tunnel sessions currently relaying.",
		},
	)
	tunnelCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskgate",
			Subsystem: "tunnel",
			Name:      "closes_total",
			Help:      "Tunnel terminations by close code.",
		},
		[]string{"code"},
	)
	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskgate",
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Instance allocation requests by result.",
		},
		[]string{"result"},
	)
	instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskgate",
			Subsystem: "registry",
			Name:      "instances",
			Help:      "Registered instances by status.",
		},
		[]string{"status"},
	)
)

// RegisterMetrics registers all collectors with the default registry.
// Safe to call from multiple packages.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			relayAttempts,
			tunnelSessions, tunnelCloses,
			allocations, instances,
		)
	})
}

// RecordHTTPRequest counts one handled request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// RecordRelayAttempt counts one relay attempt. Outcomes: ok, startup_retry,
// failed, unavailable.
func RecordRelayAttempt(outcome string) {
	RegisterMetrics()
	relayAttempts.WithLabelValues(outcome).Inc()
}

// TunnelOpened marks a tunnel entering the relaying state.
func TunnelOpened() {
	RegisterMetrics()
	tunnelSessions.Inc()
}

// TunnelClosed marks a tunnel leaving the relaying state with a close code.
func TunnelClosed(code int) {
	RegisterMetrics()
	tunnelSessions.Dec()
	tunnelCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}

// TunnelRejected counts a tunnel that failed before reaching the relaying
// state; the sessions gauge never saw it.
func TunnelRejected(code int) {
	RegisterMetrics()
	tunnelCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordAllocation counts one allocation by result: ok, refused,
// port_exhausted, creation_failed.
func RecordAllocation(result string) {
	RegisterMetrics()
	allocations.WithLabelValues(result).Inc()
}

// SetInstanceCount publishes the per-status instance gauge, refreshed by the
// lifecycle monitor.
func SetInstanceCount(status string, n int) {
	RegisterMetrics()
	instances.WithLabelValues(status).Set(float64(n))
}
