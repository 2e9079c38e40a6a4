package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalconductor",
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Total number of step invocations by kind, step and result",
		},
		[]string{"kind", "step", "result"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "metalconductor",
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Duration of a single step invocation in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"kind", "step"},
	)

	flowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalconductor",
			Subsystem: "executor",
			Name:      "flows_total",
			Help:      "Total number of finished step sequences by kind and result",
		},
		[]string{"kind", "result"},
	)

	asyncTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "metalconductor",
			Subsystem: "executor",
			Name:      "async_timeouts_total",
			Help:      "Total number of async steps that never received a completing heartbeat",
		},
		[]string{"kind"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		stepsTotal,
		stepDuration,
		flowsTotal,
		asyncTimeoutsTotal,
	)
}

func recordStep(kind, step, result string, d time.Duration) {
	stepsTotal.WithLabelValues(kind, step, result).Inc()
	stepDuration.WithLabelValues(kind, step).Observe(d.Seconds())
}

func recordFlow(kind, result string) {
	flowsTotal.WithLabelValues(kind, result).Inc()
}

func recordAsyncTimeout(kind string) {
	asyncTimeoutsTotal.WithLabelValues(kind).Inc()
}
