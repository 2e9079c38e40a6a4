package conductor

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Worker pool metrics
	poolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metalconductor",
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Number of workers currently running conductor work",
		},
	)

	poolRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "metalconductor",
			Subsystem: "pool",
			Name:      "rejected_total",
			Help:      "Total number of operations rejected because no worker was free",
		},
	)

	// Operation metrics
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalconductor",
			Subsystem: "conductor",
			Name:      "operations_total",
			Help:      "Total number of accepted operator requests by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Sweep metrics
	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "metalconductor",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of periodic sweeps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"sweep"},
	)

	sweepActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalconductor",
			Subsystem: "sweep",
			Name:      "actions_total",
			Help:      "Total number of nodes acted on by periodic sweeps",
		},
		[]string{"sweep"},
	)

	// Node metrics
	nodesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "metalconductor",
			Subsystem: "conductor",
			Name:      "owned_nodes",
			Help:      "Nodes mapped to this conductor by provision state",
		},
		[]string{"state"},
	)

	ringMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "metalconductor",
			Subsystem: "ring",
			Name:      "members",
			Help:      "Number of conductors in the hash ring",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		poolBusy,
		poolRejected,
		operationsTotal,
		sweepDuration,
		sweepActions,
		nodesByState,
		ringMembers,
	)
}

func recordOperation(op string, err error) {
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

func recordSweep(sweep string, seconds float64, actions int) {
	sweepDuration.WithLabelValues(sweep).Observe(seconds)
	if actions > 0 {
		sweepActions.WithLabelValues(sweep).Add(float64(actions))
	}
}
