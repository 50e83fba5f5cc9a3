package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/remedy/internal/executor"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/ledger/memstore"
)

// scriptedExecutor pops a scripted outcome per action kind, succeeding once
// the script runs out.
type scriptedExecutor struct {
	mu      sync.Mutex
	scripts map[incident.ActionKind][]executor.Outcome
	calls   []executor.Request
}

func (s *scriptedExecutor) Execute(_ context.Context, req *executor.Request) executor.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, *req)
	if outs := s.scripts[req.Kind]; len(outs) > 0 {
		out := outs[0]
		s.scripts[req.Kind] = outs[1:]
		return out
	}
	return executor.Outcome{Status: incident.OutcomeSucceeded, ExternalRef: "uid@1"}
}

func (s *scriptedExecutor) callKinds() []incident.ActionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]incident.ActionKind, len(s.calls))
	for i, c := range s.calls {
		kinds[i] = c.Kind
	}
	return kinds
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (n *recordingNotifier) Push(_ context.Context, c *StatusChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, *c)
	return nil
}

func fastOpts() Options {
	return Options{
		MaxAttempts:   3,
		Stabilization: 40 * time.Millisecond,
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
	}
}

// patientOpts keeps the verification window open long enough for the test
// to drive the resolved signal itself.
func patientOpts() Options {
	o := fastOpts()
	o.Stabilization = time.Minute
	return o
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func firingIncident(alert string) *incident.Incident {
	labels := map[string]string{
		"alertname": alert,
		"service":   "checkout",
		"namespace": "prod",
		"severity":  "critical",
	}
	fp := incident.Fingerprint(alert, labels)
	return &incident.Incident{
		ID:          incident.IDFromFingerprint(fp),
		Fingerprint: fp,
		Status:      incident.StatusFiring,
		Severity:    incident.SeverityCritical,
		Labels:      labels,
		Annotations: map[string]string{"summary": alert + " is firing"},
		ReceivedAt:  time.Now(),
	}
}

func waitForState(t *testing.T, store interface {
	GetExecution(ctx context.Context, id string) (*incident.Execution, bool, error)
}, id string, want incident.ExecState) *incident.Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, ok, err := store.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if ok && e.State == want {
			return e
		}
		time.Sleep(2 * time.Millisecond)
	}
	e, _, _ := store.GetExecution(context.Background(), id)
	t.Fatalf("execution never reached %s, last seen %+v", want, e)
	return nil
}

func waitForClosed(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !o.HasOpenExecution(id) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("execution %s still open", id)
}

func TestResolvedDuringVerificationCompletes(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, patientOpts())
	defer o.Close()

	inc := firingIncident("CheckoutHighLatencyP95")
	started, err := o.Start(context.Background(), inc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started {
		t.Fatal("expected execution to start")
	}

	waitForState(t, store, inc.ID, incident.StateVerifying)
	o.SignalResolved(context.Background(), inc.ID)

	e := waitForState(t, store, inc.ID, incident.StateResolved)
	if e.TerminalAt == nil {
		t.Error("terminal execution missing terminal_at")
	}
	waitForClosed(t, o, inc.ID)

	kinds := exec.callKinds()
	if len(kinds) != 1 || kinds[0] != incident.ActionDegrade {
		t.Fatalf("expected single degrade invocation, got %v", kinds)
	}
}

func TestStabilizationTimeoutTriesNextAction(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, fastOpts())
	defer o.Close()

	inc := firingIncident("CheckoutHighLatencyP95")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No resolved delivery: the window elapses and the next ranked action
	// (scale) runs, then the second window elapses and escalation follows.
	e := waitForState(t, store, inc.ID, incident.StateEscalated)
	if e.LastError == "" {
		t.Error("expected last_error on escalation")
	}
	waitForClosed(t, o, inc.ID)

	kinds := exec.callKinds()
	want := []incident.ActionKind{incident.ActionDegrade, incident.ActionScale}
	if len(kinds) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("action %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestRetryableFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{scripts: map[incident.ActionKind][]executor.Outcome{
		incident.ActionRestart: {
			{Status: incident.OutcomeFailed, Reason: "control plane 503", Retryable: true},
			{Status: incident.OutcomeFailed, Reason: "control plane 503", Retryable: true},
		},
	}}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, patientOpts())
	defer o.Close()

	inc := firingIncident("CheckoutDown")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := waitForState(t, store, inc.ID, incident.StateVerifying)
	if e.AttemptCount != 3 {
		t.Errorf("expected 3 attempts, got %d", e.AttemptCount)
	}

	// Each attempt must carry a distinct idempotency key.
	exec.mu.Lock()
	keys := map[string]bool{}
	for _, c := range exec.calls {
		if keys[c.IdempotencyKey] {
			t.Errorf("idempotency key reused across attempts: %s", c.IdempotencyKey)
		}
		keys[c.IdempotencyKey] = true
	}
	exec.mu.Unlock()
}

func TestAttemptsExhaustedFails(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{scripts: map[incident.ActionKind][]executor.Outcome{
		incident.ActionRestart: {
			{Status: incident.OutcomeFailed, Reason: "control plane 503", Retryable: true},
			{Status: incident.OutcomeFailed, Reason: "control plane 503", Retryable: true},
			{Status: incident.OutcomeFailed, Reason: "control plane 503", Retryable: true},
		},
	}}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, fastOpts())
	defer o.Close()

	inc := firingIncident("CheckoutDown")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := waitForState(t, store, inc.ID, incident.StateFailed)
	if e.AttemptCount != 3 {
		t.Errorf("expected 3 attempts, got %d", e.AttemptCount)
	}
	if e.LastError == "" {
		t.Error("expected last_error on failure")
	}
	waitForClosed(t, o, inc.ID)
}

func TestNonRetryableFailureEscalates(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{scripts: map[incident.ActionKind][]executor.Outcome{
		incident.ActionRestart: {
			{Status: incident.OutcomeFailed, Reason: "unauthorized", Retryable: false},
		},
	}}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, fastOpts())
	defer o.Close()

	inc := firingIncident("CheckoutDown")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := waitForState(t, store, inc.ID, incident.StateEscalated)
	if e.AttemptCount != 1 {
		t.Errorf("expected 1 attempt, got %d", e.AttemptCount)
	}
	if len(exec.callKinds()) != 1 {
		t.Errorf("expected no retry after permanent failure, got %d calls", len(exec.callKinds()))
	}
}

func TestNoPolicyMatchEscalatesWithoutActions(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, fastOpts())
	defer o.Close()

	inc := firingIncident("UnknownAlert")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, store, inc.ID, incident.StateEscalated)
	if n := len(exec.callKinds()); n != 0 {
		t.Errorf("expected no executor calls, got %d", n)
	}
}

// gatedStore parks terminal audit appends until the gate is released, to
// hold a run mid-finalize.
type gatedStore struct {
	*memstore.Store
	gate chan struct{}
}

func (g *gatedStore) AppendAudit(ctx context.Context, rec *incident.AuditRecord) (int64, error) {
	if rec.EventKind == incident.EventTerminal {
		<-g.gate
	}
	return g.Store.AppendAudit(ctx, rec)
}

func TestCloseDuringFinalizeDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	store := &gatedStore{Store: memstore.New(), gate: make(chan struct{})}
	o := New(store, &scriptedExecutor{}, DefaultPolicy(), nil, nil, nil, fastOpts())

	started := make(chan struct{})
	go func() {
		defer close(started)
		// No policy rule matches, so Start escalates and finalizes
		// inline, parking on the gated terminal append.
		if _, err := o.Start(context.Background(), firingIncident("UnknownAlert")); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		time.Sleep(10 * time.Millisecond)
		o.Close()
	}()

	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	for name, ch := range map[string]chan struct{}{"Start": started, "Close": closed} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not return, lock ordering regressed", name)
		}
	}
}

func TestSingleActiveExecutionPerIncident(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, patientOpts())
	defer o.Close()

	inc := firingIncident("CheckoutHighLatencyP95")
	started, err := o.Start(context.Background(), inc)
	if err != nil || !started {
		t.Fatalf("Start: started=%v err=%v", started, err)
	}
	waitForState(t, store, inc.ID, incident.StateVerifying)

	again, err := o.Start(context.Background(), inc)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again {
		t.Fatal("second Start must not begin a new execution")
	}
	if len(exec.callKinds()) != 1 {
		t.Errorf("expected 1 executor call, got %d", len(exec.callKinds()))
	}
}

func TestCancelEscalates(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	exec := &scriptedExecutor{}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, patientOpts())
	defer o.Close()

	inc := firingIncident("CheckoutHighLatencyP95")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, store, inc.ID, incident.StateVerifying)

	if err := o.Cancel(context.Background(), inc.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	e := waitForState(t, store, inc.ID, incident.StateEscalated)
	if e.LastError != "cancelled by operator" {
		t.Errorf("unexpected last_error %q", e.LastError)
	}

	if err := o.Cancel(context.Background(), inc.ID); !errors.Is(err, ErrNoActiveExecution) {
		t.Errorf("expected ErrNoActiveExecution, got %v", err)
	}
}

func TestCancelUnknownIncident(t *testing.T) {
	t.Parallel()
	o := New(memstore.New(), &scriptedExecutor{}, DefaultPolicy(), nil, nil, nil, fastOpts())
	defer o.Close()
	if err := o.Cancel(context.Background(), "inc-missing"); !errors.Is(err, ErrNoActiveExecution) {
		t.Errorf("expected ErrNoActiveExecution, got %v", err)
	}
}

func TestNotifierReceivesTransitions(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	notifier := &recordingNotifier{}
	o := New(store, &scriptedExecutor{}, DefaultPolicy(), notifier, nil, nil, patientOpts())
	defer o.Close()

	inc := firingIncident("CheckoutHighLatencyP95")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, store, inc.ID, incident.StateVerifying)
	o.SignalResolved(context.Background(), inc.ID)
	waitForClosed(t, o, inc.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		notifier.mu.Lock()
		n := len(notifier.changes)
		notifier.mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range notifier.changes {
		if c.IncidentID != inc.ID {
			t.Errorf("notification for wrong incident %s", c.IncidentID)
		}
		if c.Summary == "" {
			t.Error("notification missing summary")
		}
		seen[c.NewStatus] = true
	}
	if !seen["resolved"] {
		t.Errorf("expected a resolved notification, got %v", notifier.changes)
	}
}

func TestAuditTrailOrdering(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	o := New(store, &scriptedExecutor{}, DefaultPolicy(), nil, nil, nil, patientOpts())
	defer o.Close()

	inc := firingIncident("CheckoutDown")
	if _, err := o.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, store, inc.ID, incident.StateVerifying)
	o.SignalResolved(context.Background(), inc.ID)
	waitForClosed(t, o, inc.ID)

	recs, err := store.Audit(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("empty audit trail")
	}
	for i, r := range recs {
		if r.Seq != int64(i+1) {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
	}
	if recs[0].EventKind != incident.EventReceived {
		t.Errorf("first record is %s, expected %s", recs[0].EventKind, incident.EventReceived)
	}
	if last := recs[len(recs)-1]; last.EventKind != incident.EventTerminal {
		t.Errorf("last record is %s, expected %s", last.EventKind, incident.EventTerminal)
	}

	// Every action outcome must be preceded by its attempt record.
	attempts, outcomes := 0, 0
	for _, r := range recs {
		switch r.EventKind {
		case incident.EventActionAttempt:
			attempts++
		case incident.EventActionOutcome:
			outcomes++
			if outcomes > attempts {
				t.Fatal("action outcome recorded before its attempt")
			}
		}
	}
	if attempts != 1 || outcomes != 1 {
		t.Errorf("expected 1 attempt and 1 outcome, got %d/%d", attempts, outcomes)
	}
}

func TestRecoverResumesVerifying(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	inc := firingIncident("CheckoutHighLatencyP95")

	// Simulate a process that died mid-verification.
	first := New(store, &scriptedExecutor{}, DefaultPolicy(), nil, nil, nil, Options{Stabilization: time.Minute})
	if _, err := first.Start(context.Background(), inc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, store, inc.ID, incident.StateVerifying)
	first.Close()

	second := New(store, &scriptedExecutor{}, DefaultPolicy(), nil, nil, nil, patientOpts())
	defer second.Close()
	resumed, err := second.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 resumed execution, got %d", resumed)
	}
	if !second.HasOpenExecution(inc.ID) {
		t.Fatal("recovered execution not open")
	}

	second.SignalResolved(context.Background(), inc.ID)
	waitForState(t, store, inc.ID, incident.StateResolved)
}

func TestRecoverRedispatchesRemediating(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	inc := firingIncident("CheckoutDown")

	// A process that crashed after recording the attempt but before the
	// outcome leaves the projection in remediating.
	seed := incident.Execution{
		IncidentID:   inc.ID,
		State:        incident.StateRemediating,
		AttemptCount: 1,
		StartedAt:    time.Now(),
	}
	if err := store.PutExecution(context.Background(), &seed); err != nil {
		t.Fatalf("PutExecution: %v", err)
	}
	if _, err := store.AppendAudit(context.Background(), &incident.AuditRecord{
		IncidentID: inc.ID,
		Timestamp:  time.Now(),
		EventKind:  incident.EventReceived,
		Payload:    mustJSON(t, inc),
	}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	exec := &scriptedExecutor{}
	o := New(store, exec, DefaultPolicy(), nil, nil, nil, fastOpts())
	defer o.Close()
	if _, err := o.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	waitForState(t, store, inc.ID, incident.StateVerifying)
	kinds := exec.callKinds()
	if len(kinds) != 1 || kinds[0] != incident.ActionRestart {
		t.Fatalf("expected restart redispatch, got %v", kinds)
	}
}
