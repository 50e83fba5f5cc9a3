// Package pipeline is the business boundary for alert intake: it normalizes
// raw deliveries and routes the resulting incidents to the workflow and
// notification targets.
package pipeline

import (
	"context"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/ingest"
	"github.com/linnemanlabs/remedy/internal/router"
)

// SubmitResult is the outcome of submitting a raw alert payload.
type SubmitResult struct {
	CorrelationID string
	IncidentIDs   []string
}

// Service accepts raw alert payloads and fans the canonical incidents out
// to the registered routing targets.
type Service struct {
	normalizer *ingest.Normalizer
	router     *router.Router
	logger     log.Logger
}

// NewService creates a pipeline Service.
func NewService(n *ingest.Normalizer, r *router.Router, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{normalizer: n, router: r, logger: logger}
}

// Submit normalizes a payload and routes each resulting incident. A
// malformed payload returns *ingest.ValidationError; suppressed duplicates
// yield an accepted result with no incident IDs.
func (s *Service) Submit(ctx context.Context, payload []byte, sourceKind string) (*SubmitResult, error) {
	corr := ulid.Make().String()
	L := s.logger.With("correlation_id", corr)

	incs, err := s.normalizer.Normalize(ctx, payload, sourceKind)
	if err != nil {
		return nil, err
	}

	res := &SubmitResult{CorrelationID: corr, IncidentIDs: make([]string, 0, len(incs))}
	for i := range incs {
		inc := &incs[i]
		rr := s.router.Route(ctx, inc)
		res.IncidentIDs = append(res.IncidentIDs, inc.ID)
		L.Info(ctx, "incident routed",
			"incident_id", inc.ID,
			"alert", inc.AlertName(),
			"status", string(inc.Status),
			"severity", string(inc.Severity),
			"targets", len(rr.Enqueued),
		)
	}
	return res, nil
}

// WorkflowStarter is the subset of the orchestrator the routing targets use.
type WorkflowStarter interface {
	Start(ctx context.Context, inc *incident.Incident) (bool, error)
	SignalResolved(ctx context.Context, incidentID string)
}

// WorkflowTarget adapts the orchestrator to a routing target: firing
// incidents start executions, resolved incidents signal stabilization.
func WorkflowTarget(wf WorkflowStarter) router.Target {
	return router.NewTarget("workflow", func(ctx context.Context, inc *incident.Incident) error {
		if inc.Status == incident.StatusResolved {
			wf.SignalResolved(ctx, inc.ID)
			return nil
		}
		_, err := wf.Start(ctx, inc)
		return err
	})
}

// StatusPusher pushes incident status notifications.
type StatusPusher interface {
	PushIncident(ctx context.Context, inc *incident.Incident) error
}

// NotifyTarget adapts a notification channel to a routing target.
func NotifyTarget(p StatusPusher) router.Target {
	return router.NewTarget("notify", func(ctx context.Context, inc *incident.Incident) error {
		return p.PushIncident(ctx, inc)
	})
}
