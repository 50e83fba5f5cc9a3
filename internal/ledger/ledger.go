// Package ledger is the single source of truth for incident state: an
// append-only audit log plus a current-state execution projection, written
// with append-then-project semantics.
package ledger

import (
	"context"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Store is the persistence interface for the incident ledger.
//
// AppendAudit assigns and returns the per-incident monotonic sequence
// number. Writers for the same incident are serialized by the caller
// (the orchestrator's per-key lease); writers for different incidents
// never contend on anything but the store's own internals.
type Store interface {
	AppendAudit(ctx context.Context, rec *incident.AuditRecord) (seq int64, err error)
	Audit(ctx context.Context, incidentID string) ([]incident.AuditRecord, error)
	GetExecution(ctx context.Context, incidentID string) (*incident.Execution, bool, error)
	PutExecution(ctx context.Context, exec *incident.Execution) error

	// ListActive returns every non-terminal execution projection, used by
	// the orchestrator to resume executions after a restart.
	ListActive(ctx context.Context) ([]incident.Execution, error)
}
