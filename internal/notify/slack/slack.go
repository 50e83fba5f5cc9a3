// Package slack sends incident status notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/workflow"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts incident status changes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, pushes are no-ops.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Push posts a workflow status change to the configured webhook.
func (n *Notifier) Push(ctx context.Context, change *workflow.StatusChange) error {
	return n.post(ctx, changeMessage(change))
}

// PushIncident posts an incident occurrence (firing or resolved delivery)
// to the configured webhook.
func (n *Notifier) PushIncident(ctx context.Context, inc *incident.Incident) error {
	return n.post(ctx, incidentMessage(inc))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func changeMessage(c *workflow.StatusChange) map[string]any {
	text := fmt.Sprintf("%s Incident %s: %s", stateEmoji(c.NewStatus), c.IncidentID, c.NewStatus)
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(text),
			{"type": "divider"},
			summaryBlock(c.Summary),
			contextBlock(c.IncidentID),
		},
	}
}

func incidentMessage(inc *incident.Incident) map[string]any {
	emoji := severityEmoji(inc.Status, string(inc.Severity))
	text := fmt.Sprintf("%s Alert %s: %s", emoji, string(inc.Status), inc.AlertName())
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Service:* %s", inc.Service())},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", inc.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", inc.Status)},
	}
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(text),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			summaryBlock(inc.Summary()),
			contextBlock(inc.ID),
		},
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func summaryBlock(summary string) map[string]any {
	text := truncate(summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(incidentID string) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("remedy • incident %s • %s", incidentID, time.Now().UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func stateEmoji(state string) string {
	switch incident.ExecState(state) {
	case incident.StateResolved:
		return "\U0001f7e2" // green circle
	case incident.StateFailed, incident.StateEscalated:
		return "\U0001f534" // red circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func severityEmoji(status incident.Status, severity string) string {
	if status == incident.StatusResolved {
		return "\U0001f7e2" // green circle
	}
	switch strings.ToLower(severity) {
	case "critical":
		return "\U0001f534" // red circle
	case "warning":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
