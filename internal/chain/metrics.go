package chain

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates adapter instrumentation. Nothing here is load-bearing
// for correctness.
type Metrics struct {
	rpcDuration *prometheus.HistogramVec
	rpcErrors   *prometheus.CounterVec
	healthState *prometheus.GaugeVec
	broadcasts  *prometheus.CounterVec
}

// NewMetrics registers the adapter metric set on reg. A nil registerer
// produces inert metrics, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mixcore_chain_rpc_duration_seconds",
			Help:    "Upstream RPC call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"currency", "method"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mixcore_chain_rpc_errors_total",
			Help: "Upstream RPC call failures.",
		}, []string{"currency", "method"}),
		healthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixcore_chain_connected",
			Help: "1 when the adapter's upstream node is considered healthy.",
		}, []string{"currency"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mixcore_chain_broadcasts_total",
			Help: "Outbound transactions broadcast, by result.",
		}, []string{"currency", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.rpcDuration, m.rpcErrors, m.healthState, m.broadcasts)
	}
	return m
}

// ObserveRPC records one upstream call.
func (m *Metrics) ObserveRPC(currency, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.rpcDuration.WithLabelValues(currency, method).Observe(d.Seconds())
	if err != nil {
		m.rpcErrors.WithLabelValues(currency, method).Inc()
	}
}

// SetConnected records the adapter's health verdict.
func (m *Metrics) SetConnected(currency string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.healthState.WithLabelValues(currency).Set(v)
}

// ObserveBroadcast records one broadcast outcome.
func (m *Metrics) ObserveBroadcast(currency string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.broadcasts.WithLabelValues(currency, result).Inc()
}
