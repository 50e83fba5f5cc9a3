package incident

import (
	"encoding/json"
	"time"
)

// Status is the alert state reported by the source at a point in time.
type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
)

// Severity is an ordered severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is equal to or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Incident is the canonical unit of work produced by the normalizer.
// It is never mutated after creation; a resolved delivery produces a new
// Incident referencing the same fingerprint and ID.
type Incident struct {
	ID          string            `json:"incident_id"`
	Fingerprint string            `json:"fingerprint"`
	Status      Status            `json:"status"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// AlertName returns the source alert name label.
func (i *Incident) AlertName() string {
	return i.Labels["alertname"]
}

// Service returns the owning service label, or "unknown".
func (i *Incident) Service() string {
	if s := i.Labels["service"]; s != "" {
		return s
	}
	return "unknown"
}

// Summary returns a short human-readable description of the incident.
func (i *Incident) Summary() string {
	if s := i.Annotations["summary"]; s != "" {
		return s
	}
	return i.AlertName()
}

// ActionHint returns the remediation override annotation, if present.
func (i *Incident) ActionHint() string {
	return i.Annotations["action_hint"]
}

// ExecState is a workflow execution state.
type ExecState string

const (
	StateReceived    ExecState = "received"
	StateEvaluating  ExecState = "evaluating"
	StateRemediating ExecState = "remediating"
	StateVerifying   ExecState = "verifying"
	StateResolved    ExecState = "resolved"
	StateFailed      ExecState = "failed"
	StateEscalated   ExecState = "escalated"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecState) Terminal() bool {
	switch s {
	case StateResolved, StateFailed, StateEscalated:
		return true
	}
	return false
}

// Execution is the current-state projection of one workflow execution.
// At most one non-terminal Execution exists per incident ID; the
// orchestrator is the only writer.
type Execution struct {
	IncidentID   string     `json:"incident_id"`
	State        ExecState  `json:"state"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	TerminalAt   *time.Time `json:"terminal_at,omitempty"`
}

// ActionKind identifies a remediation operation against the control plane.
type ActionKind string

const (
	ActionDegrade ActionKind = "degrade"
	ActionScale   ActionKind = "scale"
	ActionRestart ActionKind = "restart"
	ActionDrain   ActionKind = "drain"
)

// KnownAction reports whether k names a supported remediation.
func KnownAction(k ActionKind) bool {
	switch k {
	case ActionDegrade, ActionScale, ActionRestart, ActionDrain:
		return true
	}
	return false
}

// OutcomeStatus is the disposition of one remediation attempt.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Action records one remediation attempt.
type Action struct {
	Kind           ActionKind        `json:"action_kind"`
	IdempotencyKey string            `json:"idempotency_key"`
	Params         map[string]string `json:"input_parameters,omitempty"`
	Outcome        OutcomeStatus     `json:"outcome"`
	ExternalRef    string            `json:"external_reference,omitempty"`
}

// EventKind classifies an audit record.
type EventKind string

const (
	EventReceived      EventKind = "incident_received"
	EventResolvedSeen  EventKind = "resolved_delivery"
	EventTransition    EventKind = "state_transition"
	EventActionAttempt EventKind = "action_attempt"
	EventActionOutcome EventKind = "action_outcome"
	EventCancelled     EventKind = "cancelled"
	EventTerminal      EventKind = "terminal"
)

// AuditRecord is one immutable entry in the per-incident audit log.
// Seq is assigned by the ledger and is monotonic per incident.
type AuditRecord struct {
	IncidentID string          `json:"incident_id"`
	Seq        int64           `json:"sequence_number"`
	Timestamp  time.Time       `json:"timestamp"`
	EventKind  EventKind       `json:"event_kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
