// Package ingest normalizes heterogeneous alert payloads into canonical
// incidents. It validates required fields, computes the deduplication
// fingerprint, and applies the coalescing window so that repeated firing
// deliveries of one condition collapse to a single incident occurrence.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Error codes returned to the ingestion caller.
const (
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeMissingAlertName = "MISSING_ALERT_NAME"
	CodeInvalidSeverity  = "INVALID_SEVERITY"
)

// DefaultCoalesceWindow suppresses repeated firing deliveries of the same
// fingerprint that arrive within this interval.
const DefaultCoalesceWindow = 15 * time.Second

// ValidationError rejects a malformed or incomplete payload synchronously;
// it never enters the workflow.
type ValidationError struct {
	Code  string
	Field string
	msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.msg, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// Webhook is the Alertmanager-shaped delivery: one POST may group several
// alert occurrences.
type Webhook struct {
	Status string  `json:"status"`
	Alerts []Alert `json:"alerts"`
}

// Alert is a single alert occurrence inside a webhook delivery.
type Alert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
}

// OpenChecker reports whether an incident currently has a non-terminal
// workflow execution. Used to drop resolved deliveries that nothing waits on.
type OpenChecker interface {
	HasOpenExecution(incidentID string) bool
}

// Normalizer converts raw deliveries into canonical incidents.
type Normalizer struct {
	window time.Duration
	open   OpenChecker
	logger log.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time // fingerprint -> last firing delivery
}

// New creates a Normalizer. A zero window falls back to the default.
func New(window time.Duration, open OpenChecker, logger log.Logger) *Normalizer {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{
		window:   window,
		open:     open,
		logger:   logger,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// Normalize parses a raw payload of the given source kind and returns the
// canonical incidents it yields after validation and coalescing. A malformed
// payload returns a *ValidationError; coalesced duplicates and no-op resolved
// deliveries are logged and omitted, not errors.
func (n *Normalizer) Normalize(ctx context.Context, payload []byte, sourceKind string) ([]incident.Incident, error) {
	switch sourceKind {
	case "", "alertmanager":
	default:
		return nil, &ValidationError{Code: CodeInvalidPayload, msg: "unsupported source kind " + sourceKind}
	}

	var wh Webhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, &ValidationError{Code: CodeInvalidPayload, msg: "malformed JSON"}
	}
	if len(wh.Alerts) == 0 {
		return nil, &ValidationError{Code: CodeInvalidPayload, msg: "no alerts in payload"}
	}

	var out []incident.Incident
	for i := range wh.Alerts {
		inc, err := n.normalizeOne(ctx, &wh.Alerts[i])
		if err != nil {
			return nil, err
		}
		if inc != nil {
			out = append(out, *inc)
		}
	}
	return out, nil
}

func (n *Normalizer) normalizeOne(ctx context.Context, al *Alert) (*incident.Incident, error) {
	name := al.Labels["alertname"]
	if name == "" {
		return nil, &ValidationError{Code: CodeMissingAlertName, Field: "labels.alertname", msg: "alert name is required"}
	}

	sev := incident.Severity(al.Labels["severity"])
	if !sev.Valid() {
		return nil, &ValidationError{Code: CodeInvalidSeverity, Field: "labels.severity", msg: "severity must be one of info, warning, critical"}
	}

	status := incident.Status(al.Status)
	if status != incident.StatusFiring && status != incident.StatusResolved {
		status = incident.StatusFiring
	}

	fp := incident.Fingerprint(name, al.Labels)
	id := incident.IDFromFingerprint(fp)
	now := n.now()

	if suppressed := n.coalesce(fp, id, status, now); suppressed {
		n.logger.Info(ctx, "delivery suppressed", "incident_id", id, "alert", name, "status", string(status))
		return nil, nil
	}

	return &incident.Incident{
		ID:          id,
		Fingerprint: fp,
		Status:      status,
		Severity:    sev,
		Labels:      al.Labels,
		Annotations: al.Annotations,
		ReceivedAt:  now,
	}, nil
}

// coalesce reports whether the delivery should be dropped. Firing deliveries
// inside the window only refresh the last-seen marker; resolved deliveries
// with no open execution are a no-op.
func (n *Normalizer) coalesce(fp, id string, status incident.Status, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if status == incident.StatusResolved {
		delete(n.lastSeen, fp)
		if n.open != nil && !n.open.HasOpenExecution(id) {
			return true
		}
		return false
	}

	if last, ok := n.lastSeen[fp]; ok && now.Sub(last) < n.window {
		n.lastSeen[fp] = now
		return true
	}
	n.lastSeen[fp] = now
	return false
}
