// Package executor maps remediation actions to control plane operations and
// invokes them idempotently: a completed operation recorded under the same
// idempotency key is returned as-is, never re-invoked. Authentication uses a
// scoped short-lived token exchanged per invocation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/controlplane"
	"github.com/linnemanlabs/remedy/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/executor")

// DefaultCallTimeout bounds a single control plane call.
const DefaultCallTimeout = 15 * time.Second

// DefaultReplicas is the scale target when no desired_replicas annotation
// is present.
const DefaultReplicas = 4

// Request describes one remediation attempt.
type Request struct {
	Kind           incident.ActionKind
	IdempotencyKey string
	Params         map[string]string
}

// Outcome reports the disposition of one attempt. Retryable is meaningful
// only when Status is failed.
type Outcome struct {
	Status      incident.OutcomeStatus
	Reason      string
	Retryable   bool
	ExternalRef string
}

// Store records completed operations by idempotency key.
type Store interface {
	GetOutcome(ctx context.Context, key string) (Outcome, bool, error)
	PutOutcome(ctx context.Context, key string, o Outcome) error
}

// Executor invokes remediation operations against the control plane.
type Executor struct {
	cp      controlplane.Client
	flags   controlplane.FlagStore
	tokens  controlplane.TokenProvider
	store   Store
	logger  log.Logger
	metrics *Metrics
	timeout time.Duration
}

// New creates an Executor. flags may be nil when no flag store is configured.
func New(cp controlplane.Client, flags controlplane.FlagStore, tokens controlplane.TokenProvider, store Store, logger log.Logger, m *Metrics) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{
		cp:      cp,
		flags:   flags,
		tokens:  tokens,
		store:   store,
		logger:  logger,
		metrics: m,
		timeout: DefaultCallTimeout,
	}
}

// Execute performs the requested action. Re-invoking with an idempotency key
// already recorded as completed returns the prior outcome without touching
// the control plane.
func (e *Executor) Execute(ctx context.Context, req *Request) Outcome {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("remedy.action.kind", string(req.Kind)),
		attribute.String("remedy.action.idempotency_key", req.IdempotencyKey),
	))
	defer span.End()

	if prior, ok, err := e.store.GetOutcome(ctx, req.IdempotencyKey); err != nil {
		e.logger.Error(ctx, err, "idempotency lookup failed", "key", req.IdempotencyKey)
	} else if ok {
		if e.metrics != nil {
			e.metrics.IdempotentReplays.Inc()
		}
		e.logger.Info(ctx, "returning recorded outcome for idempotency key",
			"key", req.IdempotencyKey, "status", string(prior.Status))
		span.SetAttributes(
			attribute.Bool("remedy.action.replayed", true),
			attribute.String("remedy.action.outcome", string(prior.Status)),
		)
		return prior
	}

	out := e.invoke(ctx, req)

	span.SetAttributes(attribute.String("remedy.action.outcome", string(out.Status)))
	if out.Status == incident.OutcomeFailed {
		span.SetStatus(codes.Error, out.Reason)
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(req.Kind), string(out.Status)).Inc()
		e.metrics.ExecDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	}

	// Only completed operations are recorded: a retryable failure must be
	// re-invoked, not replayed from the record.
	if out.Status == incident.OutcomeSucceeded || (out.Status == incident.OutcomeFailed && !out.Retryable) {
		if err := e.store.PutOutcome(ctx, req.IdempotencyKey, out); err != nil {
			e.logger.Error(ctx, err, "failed to record outcome", "key", req.IdempotencyKey)
		}
	}
	return out
}

func (e *Executor) invoke(ctx context.Context, req *Request) Outcome {
	namespace := req.Params["namespace"]
	workload := req.Params["workload"]
	if namespace == "" || workload == "" {
		return Outcome{Status: incident.OutcomeFailed, Reason: "missing namespace or workload parameter", Retryable: false}
	}

	scope := namespace + "/" + workload
	tok, err := e.tokens.ScopedToken(ctx, scope)
	if err != nil {
		return e.failedOutcome(fmt.Errorf("token exchange: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var ref string
	switch req.Kind {
	case incident.ActionDegrade:
		ref, err = e.cp.EnsureDegraded(ctx, tok, namespace, workload, true)
		if err == nil && e.flags != nil {
			// write-through for the remediated system and for visibility;
			// the patch already carries the toggle, so a flag write failure
			// degrades observability, not correctness
			if ferr := e.flags.Set(ctx, tok, "/"+workload+"/degraded_mode", "true"); ferr != nil {
				e.logger.Warn(ctx, "degraded flag write failed", "workload", workload, "error", ferr)
			}
		}
	case incident.ActionScale:
		replicas := DefaultReplicas
		if v := req.Params["desired_replicas"]; v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil || n <= 0 {
				return Outcome{Status: incident.OutcomeFailed, Reason: "invalid desired_replicas " + v, Retryable: false}
			}
			replicas = n
		}
		ref, err = e.cp.EnsureReplicas(ctx, tok, namespace, workload, replicas)
	case incident.ActionRestart:
		ref, err = e.cp.RollingRestart(ctx, tok, namespace, workload)
	case incident.ActionDrain:
		ref, err = e.cp.DrainTarget(ctx, tok, namespace, workload)
	default:
		return Outcome{Status: incident.OutcomeFailed, Reason: "unknown action kind " + string(req.Kind), Retryable: false}
	}

	if err != nil {
		return e.failedOutcome(err)
	}
	return Outcome{Status: incident.OutcomeSucceeded, ExternalRef: ref}
}

func (e *Executor) failedOutcome(err error) Outcome {
	return Outcome{
		Status:    incident.OutcomeFailed,
		Reason:    err.Error(),
		Retryable: classify(err),
	}
}

// classify separates transient failures (network, timeout, rate limit,
// server errors) from permanent ones (authorization denied, not found).
func classify(err error) bool {
	var apiErr *controlplane.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// transport errors, timeouts, cancellation: worth retrying
	return true
}
