package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "resumectl",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Resumable sessions currently registered.",
		},
	)
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resumectl",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Resumable sessions created.",
		},
	)
	sessionsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumectl",
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Resumable sessions evicted, by reason.",
		},
		[]string{"reason"},
	)
	reattachTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumectl",
			Subsystem: "handshake",
			Name:      "reattach_total",
			Help:      "Reattachment attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	legacyFallback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resumectl",
			Subsystem: "mux",
			Name:      "legacy_fallback_total",
			Help:      "Connections dispatched to the legacy path.",
		},
	)
	relayBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumectl",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Payload bytes relayed, by direction.",
		},
		[]string{"direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive, sessionsCreated, sessionsEvicted,
			reattachTotal, legacyFallback, relayBytes,
		)
	})
}

func SessionCreated() {
	RegisterMetrics()
	sessionsCreated.Inc()
	sessionsActive.Inc()
}

func SessionEvicted(reason string) {
	RegisterMetrics()
	sessionsEvicted.WithLabelValues(reason).Inc()
	sessionsActive.Dec()
}

// ReattachResult records one reattachment outcome: "accepted",
// "rejected", or "failed".
func ReattachResult(outcome string) {
	RegisterMetrics()
	reattachTotal.WithLabelValues(outcome).Inc()
}

func LegacyFallback() {
	RegisterMetrics()
	legacyFallback.Inc()
}

// RelayBytes records payload bytes moved in direction "sent" or "received".
func RelayBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	relayBytes.WithLabelValues(direction).Add(float64(n))
}
