package router

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the router subsystem.
type Metrics struct {
	DeliveriesTotal *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	DeadLetterDepth prometheus.Gauge
}

// NewMetrics registers and returns router metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_router_deliveries_total",
			Help: "Routed deliveries by target and final outcome.",
		}, []string{"target", "outcome"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_router_retries_total",
			Help: "Delivery retries by target.",
		}, []string{"target"}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedy_router_dead_letter_depth",
			Help: "Deliveries currently held in dead-letter.",
		}),
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.RetriesTotal,
		m.DeadLetterDepth,
	)

	return m
}
