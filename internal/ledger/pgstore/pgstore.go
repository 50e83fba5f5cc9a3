// Package pgstore provides a PostgreSQL implementation of ledger.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/remedy/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/ledger/pgstore")

//go:embed schema.sql
var schema string

// Store persists the incident ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store backed by pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// AppendAudit inserts an audit record, assigning the next per-incident
// sequence number. The (incident_id, seq) primary key rejects a duplicate
// sequence if two writers ever race the same incident; the orchestrator's
// per-key lease makes that a programming error, not an expected path.
func (s *Store) AppendAudit(ctx context.Context, rec *incident.AuditRecord) (int64, error) {
	ctx, span := tracer.Start(ctx, "pgstore.AppendAudit", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_records (incident_id, seq, ts, event_kind, payload)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		 FROM audit_records WHERE incident_id = $1
		 RETURNING seq`,
		rec.IncidentID, ts, string(rec.EventKind), rec.Payload,
	).Scan(&seq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("append audit: %w", err)
	}
	return seq, nil
}

// Audit returns the full ordered audit sequence for an incident.
func (s *Store) Audit(ctx context.Context, incidentID string) ([]incident.AuditRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Audit", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT incident_id, seq, ts, event_kind, payload
		 FROM audit_records WHERE incident_id = $1 ORDER BY seq`,
		incidentID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var recs []incident.AuditRecord
	for rows.Next() {
		var r incident.AuditRecord
		var kind string
		if err := rows.Scan(&r.IncidentID, &r.Seq, &r.Timestamp, &kind, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.EventKind = incident.EventKind(kind)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return recs, nil
}

// GetExecution retrieves the execution projection for an incident.
func (s *Store) GetExecution(ctx context.Context, incidentID string) (*incident.Execution, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetExecution", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var e incident.Execution
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT incident_id, state, attempt_count, last_error, started_at, terminal_at
		 FROM executions WHERE incident_id = $1`,
		incidentID,
	).Scan(&e.IncidentID, &state, &e.AttemptCount, &e.LastError, &e.StartedAt, &e.TerminalAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("get execution: %w", err)
	}
	e.State = incident.ExecState(state)
	return &e, true, nil
}

// PutExecution inserts or updates the execution projection.
func (s *Store) PutExecution(ctx context.Context, exec *incident.Execution) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutExecution", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (incident_id, state, attempt_count, last_error, started_at, terminal_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (incident_id) DO UPDATE SET
			state         = EXCLUDED.state,
			attempt_count = EXCLUDED.attempt_count,
			last_error    = EXCLUDED.last_error,
			terminal_at   = EXCLUDED.terminal_at`,
		exec.IncidentID, string(exec.State), exec.AttemptCount, exec.LastError,
		exec.StartedAt, exec.TerminalAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("put execution: %w", err)
	}
	return nil
}

// ListActive returns all non-terminal execution projections.
func (s *Store) ListActive(ctx context.Context) ([]incident.Execution, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT incident_id, state, attempt_count, last_error, started_at, terminal_at
		 FROM executions WHERE state NOT IN ('resolved', 'failed', 'escalated')`,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query active executions: %w", err)
	}
	defer rows.Close()

	var execs []incident.Execution
	for rows.Next() {
		var e incident.Execution
		var state string
		if err := rows.Scan(&e.IncidentID, &state, &e.AttemptCount, &e.LastError, &e.StartedAt, &e.TerminalAt); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		e.State = incident.ExecState(state)
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return execs, nil
}
