// Package workflow drives an incident through its remediation lifecycle:
// evaluate policy, execute ranked actions with bounded retries, verify
// recovery over a stabilization window, and converge on a terminal state.
//
// Every execution is serialized through a per-incident run lock, making the
// orchestrator the single writer of that incident's ledger state. Every
// transition is appended to the audit log before it takes effect.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/executor"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/ledger"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxAttempts   = 3
	DefaultStabilization = 60 * time.Second
	DefaultRetryBase     = 2 * time.Second
	DefaultRetryCap      = 60 * time.Second
)

// ErrNoActiveExecution is returned when an operation targets an incident
// with no in-flight execution.
var ErrNoActiveExecution = errors.New("no active execution for incident")

// Options tunes the orchestrator's retry and verification behavior.
type Options struct {
	// MaxAttempts bounds executor invocations per action.
	MaxAttempts int
	// Stabilization is how long a remediated incident must stay quiet in
	// Verifying before the window elapses.
	Stabilization time.Duration
	// RetryBase and RetryCap shape the exponential backoff between
	// retryable action failures.
	RetryBase time.Duration
	RetryCap  time.Duration
}

func (o *Options) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Stabilization <= 0 {
		o.Stabilization = DefaultStabilization
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = DefaultRetryCap
	}
}

// StatusChange is the payload pushed to notification targets on every
// execution state transition.
type StatusChange struct {
	IncidentID string `json:"incident_id"`
	NewStatus  string `json:"new_status"`
	Summary    string `json:"summary"`
}

// Notifier pushes status changes to an external channel. Pushes are
// best-effort: a failure is logged and never blocks the workflow.
type Notifier interface {
	Push(ctx context.Context, change *StatusChange) error
}

// ActionExecutor invokes one remediation attempt.
type ActionExecutor interface {
	Execute(ctx context.Context, req *executor.Request) executor.Outcome
}

// run is the in-memory state of one active execution. All access goes
// through mu; timer callbacks and executor completions re-enter through
// the orchestrator, which locks the run before touching it.
type run struct {
	mu       sync.Mutex
	inc      incident.Incident
	exec     incident.Execution
	actions  []incident.ActionKind // actions[0] is the action in flight
	timer    *time.Timer
	timerGen uint64 // invalidates callbacks from superseded timers
}

// Orchestrator owns all active workflow executions.
type Orchestrator struct {
	store    ledger.Store
	executor ActionExecutor
	policy   *Policy
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics
	opts     Options

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an Orchestrator. notifier and m may be nil.
func New(store ledger.Store, exec ActionExecutor, policy *Policy, notifier Notifier, logger log.Logger, m *Metrics, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	opts.fill()
	return &Orchestrator{
		store:    store,
		executor: exec,
		policy:   policy,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		runs:     make(map[string]*run),
	}
}

// HasOpenExecution reports whether an active (non-terminal) execution
// exists for the incident.
func (o *Orchestrator) HasOpenExecution(incidentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[incidentID]
	return ok
}

// Start begins a new execution for a firing incident. It returns false
// without side effects when an execution for the incident is already in
// flight: at most one active execution exists per incident ID.
func (o *Orchestrator) Start(ctx context.Context, inc *incident.Incident) (bool, error) {
	o.mu.Lock()
	if _, ok := o.runs[inc.ID]; ok {
		o.mu.Unlock()
		return false, nil
	}
	r := &run{
		inc: *inc,
		exec: incident.Execution{
			IncidentID: inc.ID,
			State:      incident.StateReceived,
			StartedAt:  time.Now(),
		},
	}
	o.runs[inc.ID] = r
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveExecutions.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := o.appendAudit(ctx, r, incident.EventReceived, inc); err != nil {
		o.drop(r)
		return false, err
	}
	if err := o.transition(ctx, r, incident.StateEvaluating, "incident accepted"); err != nil {
		o.drop(r)
		return false, err
	}
	o.evaluate(ctx, r)
	return true, nil
}

// SignalResolved delivers a resolved notification for the incident. In
// Verifying it completes the execution as Resolved; in any other state it
// is recorded but does not transition, since the stabilization check has
// not begun.
func (o *Orchestrator) SignalResolved(ctx context.Context, incidentID string) {
	r := o.lookup(incidentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.State.Terminal() {
		return
	}

	if err := o.appendAudit(ctx, r, incident.EventResolvedSeen, nil); err != nil {
		o.logger.Error(ctx, err, "failed to record resolved delivery", "incident_id", incidentID)
		return
	}
	if r.exec.State != incident.StateVerifying {
		o.logger.Info(ctx, "resolved delivery before verification, waiting for stabilization",
			"incident_id", incidentID, "state", string(r.exec.State))
		return
	}

	o.stopTimer(r)
	if err := o.transition(ctx, r, incident.StateResolved, "resolved during stabilization window"); err != nil {
		o.logger.Error(ctx, err, "failed to complete execution", "incident_id", incidentID)
	}
}

// Cancel aborts an in-flight execution. The execution converges to
// Escalated so a human owns the incident from then on.
func (o *Orchestrator) Cancel(ctx context.Context, incidentID string) error {
	r := o.lookup(incidentID)
	if r == nil {
		return ErrNoActiveExecution
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.State.Terminal() {
		return ErrNoActiveExecution
	}

	o.stopTimer(r)
	if err := o.appendAudit(ctx, r, incident.EventCancelled, nil); err != nil {
		return err
	}
	r.exec.LastError = "cancelled by operator"
	return o.transition(ctx, r, incident.StateEscalated, "cancelled by operator")
}

// Recover resumes executions left non-terminal by a previous process.
// Each recovered execution re-enters its persisted state: evaluation
// restarts, an interrupted remediation re-dispatches its action, and a
// verification window restarts in full. Returns the number resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	execs, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active executions: %w", err)
	}

	resumed := 0
	for i := range execs {
		e := execs[i]
		inc, err := o.incidentFromAudit(ctx, e.IncidentID)
		if err != nil {
			o.logger.Error(ctx, err, "cannot recover execution, no incident payload in audit log",
				"incident_id", e.IncidentID)
			continue
		}

		o.mu.Lock()
		if _, ok := o.runs[e.IncidentID]; ok {
			o.mu.Unlock()
			continue
		}
		r := &run{inc: *inc, exec: e}
		o.runs[e.IncidentID] = r
		o.mu.Unlock()

		if o.metrics != nil {
			o.metrics.ActiveExecutions.Inc()
		}
		resumed++

		r.mu.Lock()
		o.logger.Info(ctx, "resuming execution", "incident_id", e.IncidentID, "state", string(e.State))
		switch e.State {
		case incident.StateReceived, incident.StateEvaluating:
			o.evaluate(ctx, r)
		case incident.StateRemediating:
			r.actions = o.policy.ActionsFor(inc)
			if len(r.actions) == 0 {
				o.escalate(ctx, r, "no remediation policy on recovery")
			} else if r.exec.AttemptCount >= o.opts.MaxAttempts {
				o.fail(ctx, r, "attempts exhausted before restart")
			} else {
				o.dispatch(ctx, r)
			}
		case incident.StateVerifying:
			r.actions = o.policy.ActionsFor(inc)
			o.scheduleStabilization(r)
		}
		r.mu.Unlock()
	}
	return resumed, nil
}

// Close stops all pending timers. In-flight executor calls may still
// complete and will find their runs gone.
func (o *Orchestrator) Close() {
	// Snapshot under o.mu, then lock runs individually: terminal
	// transitions acquire o.mu via drop while holding r.mu.
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		o.stopTimer(r)
		r.mu.Unlock()
	}
}

func (o *Orchestrator) lookup(incidentID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[incidentID]
}

// evaluate consults the policy and either starts remediation or escalates.
// Caller holds r.mu.
func (o *Orchestrator) evaluate(ctx context.Context, r *run) {
	r.actions = o.policy.ActionsFor(&r.inc)
	if len(r.actions) == 0 {
		o.escalate(ctx, r, "no matching remediation policy")
		return
	}
	if err := o.transition(ctx, r, incident.StateRemediating, "policy matched, action "+string(r.actions[0])); err != nil {
		o.logger.Error(ctx, err, "failed to enter remediation", "incident_id", r.inc.ID)
		return
	}
	r.exec.AttemptCount = 0
	o.dispatch(ctx, r)
}

// dispatch records the attempt and invokes the executor asynchronously.
// Caller holds r.mu.
func (o *Orchestrator) dispatch(ctx context.Context, r *run) {
	action := r.actions[0]
	r.exec.AttemptCount++
	attempt := r.exec.AttemptCount

	req := &executor.Request{
		Kind:           action,
		IdempotencyKey: fmt.Sprintf("%s/%s/%d", r.inc.ID, action, attempt),
		Params: map[string]string{
			"namespace":        r.inc.Labels["namespace"],
			"workload":         r.inc.Service(),
			"desired_replicas": r.inc.Annotations["desired_replicas"],
		},
	}

	payload := map[string]any{"action": string(action), "attempt": attempt, "idempotency_key": req.IdempotencyKey}
	if err := o.appendAudit(ctx, r, incident.EventActionAttempt, payload); err != nil {
		o.logger.Error(ctx, err, "failed to record action attempt, not invoking",
			"incident_id", r.inc.ID, "action", string(action))
		return
	}
	if err := o.store.PutExecution(ctx, &r.exec); err != nil {
		o.logger.Error(ctx, err, "failed to persist execution", "incident_id", r.inc.ID)
	}
	if o.metrics != nil {
		o.metrics.ActionAttemptsTotal.WithLabelValues(string(action)).Inc()
	}

	// Detached so an API request context cancelling mid-remediation does
	// not abandon the action.
	execCtx := context.WithoutCancel(ctx)
	id := r.inc.ID
	go func() {
		out := o.executor.Execute(execCtx, req)
		o.onExecResult(execCtx, id, attempt, out)
	}()
}

// onExecResult applies the outcome of one executor invocation.
func (o *Orchestrator) onExecResult(ctx context.Context, incidentID string, attempt int, out executor.Outcome) {
	r := o.lookup(incidentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// A cancel or resolved signal may have raced the executor.
	if r.exec.State != incident.StateRemediating || r.exec.AttemptCount != attempt {
		o.logger.Info(ctx, "discarding stale action outcome",
			"incident_id", incidentID, "attempt", attempt, "state", string(r.exec.State))
		return
	}

	payload := map[string]any{
		"status":    string(out.Status),
		"reason":    out.Reason,
		"retryable": out.Retryable,
	}
	if out.ExternalRef != "" {
		payload["external_reference"] = out.ExternalRef
	}
	if err := o.appendAudit(ctx, r, incident.EventActionOutcome, payload); err != nil {
		o.logger.Error(ctx, err, "failed to record action outcome", "incident_id", incidentID)
		return
	}

	if out.Status == incident.OutcomeSucceeded {
		if err := o.transition(ctx, r, incident.StateVerifying, "action succeeded, stabilization window open"); err != nil {
			o.logger.Error(ctx, err, "failed to enter verification", "incident_id", incidentID)
			return
		}
		o.scheduleStabilization(r)
		return
	}

	r.exec.LastError = out.Reason
	if !out.Retryable {
		o.escalate(ctx, r, "action failed permanently: "+out.Reason)
		return
	}
	if attempt >= o.opts.MaxAttempts {
		o.fail(ctx, r, out.Reason)
		return
	}

	if err := o.store.PutExecution(ctx, &r.exec); err != nil {
		o.logger.Error(ctx, err, "failed to persist execution", "incident_id", incidentID)
	}
	delay := retryDelay(o.opts.RetryBase, o.opts.RetryCap, attempt)
	o.logger.Warn(ctx, "action failed, retrying",
		"incident_id", incidentID, "attempt", attempt, "delay", delay.String(), "reason", out.Reason)
	if o.metrics != nil {
		o.metrics.ActionRetriesTotal.Inc()
	}
	o.scheduleRetry(r, delay)
}

// onStabilizationElapsed fires when the verification window passes without
// a resolved delivery: the current action did not recover the system.
func (o *Orchestrator) onStabilizationElapsed(incidentID string, gen uint64) {
	r := o.lookup(incidentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timerGen != gen || r.exec.State != incident.StateVerifying {
		return
	}

	ctx := context.Background()
	if o.metrics != nil {
		o.metrics.StabilizationTimeoutsTotal.Inc()
	}
	if len(r.actions) > 1 {
		r.actions = r.actions[1:]
		next := r.actions[0]
		if err := o.transition(ctx, r, incident.StateRemediating, "verification window elapsed, escalating to action "+string(next)); err != nil {
			o.logger.Error(ctx, err, "failed to re-enter remediation", "incident_id", incidentID)
			return
		}
		r.exec.AttemptCount = 0
		o.dispatch(ctx, r)
		return
	}
	r.exec.LastError = "verification window elapsed without recovery"
	o.escalate(ctx, r, "verification window elapsed, no further actions")
}

// onRetryElapsed re-dispatches the current action after a backoff delay.
func (o *Orchestrator) onRetryElapsed(incidentID string, gen uint64) {
	r := o.lookup(incidentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timerGen != gen || r.exec.State != incident.StateRemediating {
		return
	}
	o.dispatch(context.Background(), r)
}

// transition appends the audit record, then applies the state change and
// persists the projection. The record is written first so a crash between
// the two leaves evidence of intent, never an unexplained state.
// Caller holds r.mu.
func (o *Orchestrator) transition(ctx context.Context, r *run, to incident.ExecState, reason string) error {
	from := r.exec.State
	payload := map[string]any{"from": string(from), "to": string(to), "reason": reason}
	if err := o.appendAudit(ctx, r, incident.EventTransition, payload); err != nil {
		return fmt.Errorf("record transition %s -> %s: %w", from, to, err)
	}

	r.exec.State = to
	if to.Terminal() {
		now := time.Now()
		r.exec.TerminalAt = &now
	}
	if err := o.store.PutExecution(ctx, &r.exec); err != nil {
		o.logger.Error(ctx, err, "failed to persist execution", "incident_id", r.inc.ID)
	}

	o.logger.Info(ctx, "execution transitioned",
		"incident_id", r.inc.ID, "from", string(from), "to", string(to), "reason", reason)
	if o.metrics != nil {
		o.metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	o.notify(ctx, r, to)

	if to.Terminal() {
		o.finalize(ctx, r, to, reason)
	}
	return nil
}

func (o *Orchestrator) escalate(ctx context.Context, r *run, reason string) {
	if r.exec.LastError == "" {
		r.exec.LastError = reason
	}
	if err := o.transition(ctx, r, incident.StateEscalated, reason); err != nil {
		o.logger.Error(ctx, err, "failed to escalate", "incident_id", r.inc.ID)
	}
}

func (o *Orchestrator) fail(ctx context.Context, r *run, reason string) {
	r.exec.LastError = reason
	if err := o.transition(ctx, r, incident.StateFailed, "attempts exhausted: "+reason); err != nil {
		o.logger.Error(ctx, err, "failed to mark execution failed", "incident_id", r.inc.ID)
	}
}

// finalize records the terminal disposition and releases the run.
// Caller holds r.mu.
func (o *Orchestrator) finalize(ctx context.Context, r *run, state incident.ExecState, reason string) {
	o.stopTimer(r)
	payload := map[string]any{"state": string(state), "reason": reason, "attempt_count": r.exec.AttemptCount}
	if r.exec.LastError != "" {
		payload["last_error"] = r.exec.LastError
	}
	if err := o.appendAudit(ctx, r, incident.EventTerminal, payload); err != nil {
		o.logger.Error(ctx, err, "failed to record terminal disposition", "incident_id", r.inc.ID)
	}

	o.drop(r)
	if o.metrics != nil {
		o.metrics.TerminalTotal.WithLabelValues(string(state)).Inc()
	}
}

func (o *Orchestrator) drop(r *run) {
	o.mu.Lock()
	delete(o.runs, r.inc.ID)
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ActiveExecutions.Dec()
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, r *run, kind incident.EventKind, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		raw = b
	}
	_, err := o.store.AppendAudit(ctx, &incident.AuditRecord{
		IncidentID: r.inc.ID,
		Timestamp:  time.Now(),
		EventKind:  kind,
		Payload:    raw,
	})
	return err
}

func (o *Orchestrator) notify(ctx context.Context, r *run, state incident.ExecState) {
	if o.notifier == nil {
		return
	}
	change := &StatusChange{
		IncidentID: r.inc.ID,
		NewStatus:  string(state),
		Summary:    r.inc.Summary(),
	}
	notifyCtx := context.WithoutCancel(ctx)
	go func() {
		if err := o.notifier.Push(notifyCtx, change); err != nil {
			o.logger.Warn(notifyCtx, "status notification failed",
				"incident_id", change.IncidentID, "status", change.NewStatus, "error", err)
		}
	}()
}

// scheduleStabilization arms the verification window timer. Caller holds r.mu.
func (o *Orchestrator) scheduleStabilization(r *run) {
	o.stopTimer(r)
	r.timerGen++
	gen := r.timerGen
	id := r.inc.ID
	r.timer = time.AfterFunc(o.opts.Stabilization, func() {
		o.onStabilizationElapsed(id, gen)
	})
}

// scheduleRetry arms the backoff timer for the next attempt. Caller holds r.mu.
func (o *Orchestrator) scheduleRetry(r *run, delay time.Duration) {
	o.stopTimer(r)
	r.timerGen++
	gen := r.timerGen
	id := r.inc.ID
	r.timer = time.AfterFunc(delay, func() {
		o.onRetryElapsed(id, gen)
	})
}

// stopTimer cancels any armed timer and invalidates pending callbacks.
// Caller holds r.mu.
func (o *Orchestrator) stopTimer(r *run) {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// retryDelay doubles from base per completed attempt, capped.
func retryDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// incidentFromAudit rebuilds the incident payload from the earliest
// incident_received record in the audit log.
func (o *Orchestrator) incidentFromAudit(ctx context.Context, incidentID string) (*incident.Incident, error) {
	recs, err := o.store.Audit(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].EventKind != incident.EventReceived {
			continue
		}
		var inc incident.Incident
		if err := json.Unmarshal(recs[i].Payload, &inc); err != nil {
			return nil, fmt.Errorf("decode incident payload: %w", err)
		}
		return &inc, nil
	}
	return nil, errors.New("no incident_received record")
}
