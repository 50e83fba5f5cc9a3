package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	TransitionsTotal           *prometheus.CounterVec
	TerminalTotal              *prometheus.CounterVec
	ActionAttemptsTotal        *prometheus.CounterVec
	ActionRetriesTotal         prometheus.Counter
	StabilizationTimeoutsTotal prometheus.Counter
	ActiveExecutions           prometheus.Gauge
}

// NewMetrics creates and registers the workflow metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_workflow_transitions_total",
			Help: "Workflow state transitions by from/to state.",
		}, []string{"from", "to"}),
		TerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_workflow_terminal_total",
			Help: "Executions reaching a terminal state, by state.",
		}, []string{"state"}),
		ActionAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_workflow_action_attempts_total",
			Help: "Remediation action attempts dispatched, by action.",
		}, []string{"action"}),
		ActionRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedy_workflow_action_retries_total",
			Help: "Action attempts scheduled for retry after a transient failure.",
		}),
		StabilizationTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remedy_workflow_stabilization_timeouts_total",
			Help: "Verification windows that elapsed without a resolved delivery.",
		}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedy_workflow_active_executions",
			Help: "Executions currently in a non-terminal state.",
		}),
	}
	reg.MustRegister(
		m.TransitionsTotal,
		m.TerminalTotal,
		m.ActionAttemptsTotal,
		m.ActionRetriesTotal,
		m.StabilizationTimeoutsTotal,
		m.ActiveExecutions,
	)
	return m
}
