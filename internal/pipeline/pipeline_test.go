package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/ingest"
	"github.com/linnemanlabs/remedy/internal/router"
)

type noOpen struct{}

func (noOpen) HasOpenExecution(string) bool { return false }

type recordingWorkflow struct {
	mu       sync.Mutex
	started  []string
	resolved []string
}

func (w *recordingWorkflow) Start(_ context.Context, inc *incident.Incident) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = append(w.started, inc.ID)
	return true, nil
}

func (w *recordingWorkflow) SignalResolved(_ context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolved = append(w.resolved, id)
}

func webhookPayload(t *testing.T, status, alert string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"status": status,
		"alerts": []map[string]any{{
			"status": status,
			"labels": map[string]string{
				"alertname": alert,
				"service":   "checkout",
				"severity":  "critical",
			},
			"annotations": map[string]string{"summary": alert},
			"startsAt":    time.Now().Format(time.RFC3339),
		}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSubmitRoutesFiringIncident(t *testing.T) {
	t.Parallel()
	wf := &recordingWorkflow{}
	rt := router.New([]router.Target{WorkflowTarget(wf)}, nil, nil, nil)
	svc := NewService(ingest.New(0, noOpen{}, nil), rt, nil)

	res, err := svc.Submit(context.Background(), webhookPayload(t, "firing", "CheckoutDown"), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.CorrelationID == "" {
		t.Error("missing correlation ID")
	}
	if len(res.IncidentIDs) != 1 {
		t.Fatalf("expected 1 incident, got %v", res.IncidentIDs)
	}
	rt.Wait()

	wf.mu.Lock()
	defer wf.mu.Unlock()
	if len(wf.started) != 1 || wf.started[0] != res.IncidentIDs[0] {
		t.Fatalf("workflow started %v, expected %v", wf.started, res.IncidentIDs)
	}
}

func TestSubmitInvalidPayload(t *testing.T) {
	t.Parallel()
	rt := router.New(nil, nil, nil, nil)
	svc := NewService(ingest.New(0, noOpen{}, nil), rt, nil)

	_, err := svc.Submit(context.Background(), []byte("not json"), "")
	var verr *ingest.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Code != ingest.CodeInvalidPayload {
		t.Errorf("unexpected code %s", verr.Code)
	}
}

func TestSubmitSuppressedDuplicate(t *testing.T) {
	t.Parallel()
	wf := &recordingWorkflow{}
	rt := router.New([]router.Target{WorkflowTarget(wf)}, nil, nil, nil)
	svc := NewService(ingest.New(time.Minute, noOpen{}, nil), rt, nil)

	payload := webhookPayload(t, "firing", "CheckoutDown")
	first, err := svc.Submit(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := svc.Submit(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if len(first.IncidentIDs) != 1 || len(second.IncidentIDs) != 0 {
		t.Fatalf("expected duplicate suppression, got %v then %v", first.IncidentIDs, second.IncidentIDs)
	}
	if second.CorrelationID == first.CorrelationID {
		t.Error("each submission needs its own correlation ID")
	}
}

type openAlways struct{}

func (openAlways) HasOpenExecution(string) bool { return true }

func TestResolvedDeliveryReachesWorkflow(t *testing.T) {
	t.Parallel()
	wf := &recordingWorkflow{}
	rt := router.New([]router.Target{WorkflowTarget(wf)}, nil, nil, nil)
	svc := NewService(ingest.New(0, openAlways{}, nil), rt, nil)

	res, err := svc.Submit(context.Background(), webhookPayload(t, "resolved", "CheckoutDown"), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.IncidentIDs) != 1 {
		t.Fatalf("expected resolved incident for open execution, got %v", res.IncidentIDs)
	}
	rt.Wait()

	wf.mu.Lock()
	defer wf.mu.Unlock()
	if len(wf.resolved) != 1 {
		t.Fatalf("expected resolved signal, got started=%v resolved=%v", wf.started, wf.resolved)
	}
	if len(wf.started) != 0 {
		t.Fatalf("resolved delivery must not start an execution, got %v", wf.started)
	}
}
