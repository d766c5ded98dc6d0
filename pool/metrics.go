package pool

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pool activity. All methods are safe on a nil receiver so the
// pool can run unmetered in tests.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	processedTotal  *prometheus.CounterVec
	busyTotal       *prometheus.CounterVec
	executeDuration *prometheus.HistogramVec
}

// NewMetrics registers the pool metrics with the given registerer.
func NewMetrics(ns string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Queued plus in-flight work items per account.",
		}, []string{"network", "account"}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "pool",
			Name:      "processed_total",
			Help:      "Completed work items per account, failures included.",
		}, []string{"network", "account"}),
		busyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "pool",
			Name:      "busy_rejections_total",
			Help:      "Execute calls rejected because the account queue was full.",
		}, []string{"network"}),
		executeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "pool",
			Name:      "execute_duration_seconds",
			Help:      "End-to-end Execute latency including queue wait.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"network"}),
	}
	reg.MustRegister(m.queueDepth, m.processedTotal, m.busyTotal, m.executeDuration)
	return m
}

func (m *Metrics) setQueueDepth(network string, account common.Address, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(network, account.Hex()).Set(float64(depth))
}

func (m *Metrics) observeCompleted(network string, account common.Address) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(network, account.Hex()).Inc()
}

func (m *Metrics) observeBusy(network string) {
	if m == nil {
		return
	}
	m.busyTotal.WithLabelValues(network).Inc()
}

func (m *Metrics) observeExecute(network string, d time.Duration) {
	if m == nil {
		return
	}
	m.executeDuration.WithLabelValues(network).Observe(d.Seconds())
}
