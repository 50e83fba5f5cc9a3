// Package memstore provides an in-memory implementation of ledger.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Store holds the audit log and execution projection in memory.
// Suitable for dev/testing.
type Store struct {
	mu    sync.RWMutex
	audit map[string][]incident.AuditRecord // incident ID -> ordered records
	execs map[string]*incident.Execution    // incident ID -> projection
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		audit: make(map[string][]incident.AuditRecord),
		execs: make(map[string]*incident.Execution),
	}
}

// AppendAudit appends a copy of rec and assigns the next sequence number.
func (s *Store) AppendAudit(_ context.Context, rec *incident.AuditRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Seq = int64(len(s.audit[rec.IncidentID])) + 1
	s.audit[rec.IncidentID] = append(s.audit[rec.IncidentID], cp)
	return cp.Seq, nil
}

// Audit returns the full ordered audit sequence for an incident.
func (s *Store) Audit(_ context.Context, incidentID string) ([]incident.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.audit[incidentID]
	out := make([]incident.AuditRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// GetExecution retrieves the execution projection for an incident. Returns a copy.
func (s *Store) GetExecution(_ context.Context, incidentID string) (*incident.Execution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[incidentID]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// PutExecution stores a copy of the execution projection.
func (s *Store) PutExecution(_ context.Context, exec *incident.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.IncidentID] = &cp
	return nil
}

// ListActive returns copies of all non-terminal execution projections.
func (s *Store) ListActive(_ context.Context) ([]incident.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []incident.Execution
	for _, e := range s.execs {
		if !e.State.Terminal() {
			out = append(out, *e)
		}
	}
	return out, nil
}
