package executor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the executor subsystem.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
	ExecDuration      *prometheus.HistogramVec
}

// NewMetrics registers and returns executor metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_executor_executions_total",
			Help: "Remediation executions by action kind and outcome.",
		}, []string{"action", "outcome"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedy_executor_idempotent_replays_total",
			Help: "Executions answered from the idempotency record without a control plane call.",
		}),
		ExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_executor_duration_seconds",
			Help:    "Duration of remediation executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.IdempotentReplays,
		m.ExecDuration,
	)

	return m
}
