package workflow

import (
	"github.com/linnemanlabs/remedy/internal/incident"
)

// Rule maps an alert name to a ranked list of remediation actions, consumed
// in order as verification windows elapse.
type Rule struct {
	Alert   string
	Actions []incident.ActionKind
}

// Policy decides which remediation actions apply to an incident. Severity
// below Threshold is never auto-remediated.
type Policy struct {
	Rules     []Rule
	Threshold incident.Severity
}

// DefaultPolicy returns the built-in remediation routing: latency and error
// budget alerts shed load first and scale second, hard-down alerts restart.
func DefaultPolicy() *Policy {
	return &Policy{
		Threshold: incident.SeverityWarning,
		Rules: []Rule{
			{Alert: "CheckoutHighLatencyP95", Actions: []incident.ActionKind{incident.ActionDegrade, incident.ActionScale}},
			{Alert: "CheckoutHighErrorRate", Actions: []incident.ActionKind{incident.ActionDegrade, incident.ActionScale}},
			{Alert: "CheckoutSLOBurnFast", Actions: []incident.ActionKind{incident.ActionDegrade, incident.ActionScale}},
			{Alert: "CheckoutDown", Actions: []incident.ActionKind{incident.ActionRestart}},
		},
	}
}

// ActionsFor returns the ranked action list for an incident, or nil when the
// incident is not auto-remediable. An action_hint annotation naming a known
// action overrides the rule table.
func (p *Policy) ActionsFor(inc *incident.Incident) []incident.ActionKind {
	if !inc.Severity.AtLeast(p.Threshold) {
		return nil
	}

	if hint := incident.ActionKind(inc.ActionHint()); hint != "" && incident.KnownAction(hint) {
		return []incident.ActionKind{hint}
	}

	name := inc.AlertName()
	for _, r := range p.Rules {
		if r.Alert == name {
			out := make([]incident.ActionKind, len(r.Actions))
			copy(out, r.Actions)
			return out
		}
	}
	return nil
}
