// Package metrics holds the Prometheus collectors shared by the wallet and
// payment session services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOps counts balance mutations by transaction type and outcome.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_ledger_ops_total",
		Help: "Ledger operations by transaction type and result",
	}, []string{"type", "result"})

	// LedgerRetries counts version conflicts that were retried.
	LedgerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletcore_ledger_version_conflicts_total",
		Help: "Optimistic concurrency conflicts retried by the wallet service",
	})

	// LedgerOpDuration tracks end-to-end latency of a ledger op including retries.
	LedgerOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletcore_ledger_op_duration_seconds",
		Help:    "Ledger operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"type"})

	// SessionTransitions counts payment session state changes.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_session_transitions_total",
		Help: "Payment session transitions by provider and target state",
	}, []string{"provider", "state"})

	// PortCalls counts outbound provider/acquirer calls by port and result.
	PortCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_port_calls_total",
		Help: "Outbound capability port calls by port and result",
	}, []string{"port", "result"})

	// HTTPRequests tracks request latency by route and status.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletcore_http_request_duration_seconds",
		Help:    "HTTP request duration by method, route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// SweepExpired counts sessions expired by the background sweeper.
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletcore_sweep_expired_total",
		Help: "Sessions moved to expired by the sweeper",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
