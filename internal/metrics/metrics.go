package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_proxy_router_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "llm_proxy_router_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ClientAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_proxy_router_client_acquisitions_total",
			Help: "Completed client acquisitions by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	ProxyAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_proxy_router_proxy_attempts_total",
			Help: "Proxy attempts by result class",
		},
		[]string{"result"},
	)

	RecoveryProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_proxy_router_recovery_probes_total",
			Help: "Recovery probes against the proxy by result",
		},
		[]string{"result"},
	)

	FallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_proxy_router_fallback_active",
			Help: "1 while new requests are routed to direct providers",
		},
	)

	LedgerAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_proxy_router_ledger_appends_total",
			Help: "Failure records written to the local ledger",
		},
	)

	LedgerSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_proxy_router_ledger_sync_total",
			Help: "Failure record sync attempts by result",
		},
		[]string{"result"},
	)
)

// SetFallbackActive records the current degraded flag.
func SetFallbackActive(active bool) {
	if active {
		FallbackActive.Set(1)
		return
	}
	FallbackActive.Set(0)
}
