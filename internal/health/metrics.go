package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registered once on the default registry; syncd serves them on /metrics.
var (
	modeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sync_backend_degraded",
		Help: "1 while the backend is considered degraded, 0 otherwise.",
	})
	failureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sync_backend_failures_total",
		Help: "Backend call failures counted against the rolling window.",
	})
	transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sync_mode_transitions_total",
		Help: "Operating mode transitions by target mode.",
	}, []string{"to"})
)
