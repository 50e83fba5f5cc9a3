// Package alertapi exposes the HTTP surface: alert ingestion, incident
// projection reads, operator cancellation, and dead-letter inspection.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/pipeline"
	"github.com/linnemanlabs/remedy/internal/router"
	"github.com/linnemanlabs/remedy/internal/workflow"
)

// Pipeline defines the intake operations the API needs.
type Pipeline interface {
	Submit(ctx context.Context, payload []byte, sourceKind string) (*pipeline.SubmitResult, error)
}

// Workflow defines the execution operations the API needs.
type Workflow interface {
	Cancel(ctx context.Context, incidentID string) error
}

// LedgerReader reads incident projections and audit trails.
type LedgerReader interface {
	GetExecution(ctx context.Context, incidentID string) (*incident.Execution, bool, error)
	Audit(ctx context.Context, incidentID string) ([]incident.AuditRecord, error)
}

// DeadLetters exposes the router's dead-letter holding area.
type DeadLetters interface {
	DeadLetters() *router.DeadLetter
	Replay(ctx context.Context) int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	pipe     Pipeline
	workflow Workflow
	ledger   LedgerReader
	dead     DeadLetters
}

// New creates a new API handler. dead may be nil when no router is wired.
func New(logger log.Logger, pipe Pipeline, wf Workflow, ledger LedgerReader, dead DeadLetters) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pipe == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	if wf == nil {
		panic(xerrors.New("workflow is required"))
	}
	if ledger == nil {
		panic(xerrors.New("ledger reader is required"))
	}
	return &API{
		logger:   logger,
		pipe:     pipe,
		workflow: wf,
		ledger:   ledger,
		dead:     dead,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/cancel", a.handleCancelIncident)
		r.Get("/deadletter", a.handleListDeadLetters)
		r.Post("/deadletter/replay", a.handleReplayDeadLetters)
	})
}

// incidentView is the read projection returned to operators: current state
// plus the full audit trail.
type incidentView struct {
	Execution *incident.Execution    `json:"execution"`
	Audit     []incident.AuditRecord `json:"audit"`
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("remedy.incident.id", id))

	exec, ok, err := a.ledger.GetExecution(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get execution", "incident_id", id)
		a.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such incident")
		return
	}

	audit, err := a.ledger.Audit(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read audit trail", "incident_id", id)
		a.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	span.SetAttributes(attribute.String("remedy.incident.state", string(exec.State)))
	a.writeJSON(w, http.StatusOK, incidentView{Execution: exec, Audit: audit})
}

func (a *API) handleCancelIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("remedy.incident.id", id))

	if err := a.workflow.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrNoActiveExecution) {
			a.writeError(w, http.StatusConflict, "NO_ACTIVE_EXECUTION", "incident has no active execution")
			return
		}
		a.logger.Error(r.Context(), err, "failed to cancel execution", "incident_id", id)
		a.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	a.logger.Info(r.Context(), "execution cancelled by operator", "incident_id", id)
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "incident_id": id})
}

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if a.dead == nil {
		a.writeJSON(w, http.StatusOK, map[string]any{"entries": []router.Entry{}, "count": 0})
		return
	}
	entries := a.dead.DeadLetters().List()
	if entries == nil {
		entries = []router.Entry{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (a *API) handleReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if a.dead == nil {
		a.writeJSON(w, http.StatusOK, map[string]any{"replayed": 0})
		return
	}
	n := a.dead.Replay(r.Context())
	a.logger.Info(r.Context(), "dead-letter replay requested", "replayed", n)
	a.writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, status int, code, msg string) {
	a.writeJSON(w, status, map[string]any{
		"status":     "error",
		"error_code": code,
		"message":    msg,
	})
}
