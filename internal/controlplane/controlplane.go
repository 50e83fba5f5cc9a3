// Package controlplane is the client for the external system remediation
// actions execute against. Every operation has "ensure" semantics so that
// re-invocation under the same idempotency key is safe, and every call
// authenticates with a short-lived scoped token obtained per invocation.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	httpTimeout   = 10 * time.Second
	maxErrBodyLen = 512
)

// Client is the operation contract the action executor invokes.
type Client interface {
	// EnsureDegraded sets the workload's degraded-mode env toggle and rolls
	// the workload so it takes effect.
	EnsureDegraded(ctx context.Context, tok Token, namespace, workload string, degraded bool) (ref string, err error)
	// EnsureReplicas scales the workload to the desired replica count.
	EnsureReplicas(ctx context.Context, tok Token, namespace, workload string, replicas int) (ref string, err error)
	// RollingRestart stamps a fresh restart marker on the workload template.
	RollingRestart(ctx context.Context, tok Token, namespace, workload string) (ref string, err error)
	// DrainTarget cordons the workload's traffic off before maintenance.
	DrainTarget(ctx context.Context, tok Token, namespace, workload string) (ref string, err error)
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is transient (worth retrying) as
// opposed to a permanent authorization or not-found condition.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// HTTPClient talks to a workload-orchestrator style REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a control plane client for the given API endpoint.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: httpTimeout},
	}
}

func (c *HTTPClient) workloadURL(namespace, workload string) string {
	return fmt.Sprintf("%s/apis/apps/v1/namespaces/%s/deployments/%s", c.baseURL, namespace, workload)
}

// EnsureDegraded patches the DEGRADED_MODE env var on the workload template.
// The patch is a strategic merge, so applying the same value twice is a no-op
// on the control plane side.
func (c *HTTPClient) EnsureDegraded(ctx context.Context, tok Token, namespace, workload string, degraded bool) (string, error) {
	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"containers": []map[string]any{{
						"name": workload,
						"env": []map[string]string{{
							"name":  "DEGRADED_MODE",
							"value": fmt.Sprintf("%t", degraded),
						}},
					}},
				},
			},
		},
	}
	return c.patch(ctx, tok, c.workloadURL(namespace, workload), "application/strategic-merge-patch+json", patch)
}

// EnsureReplicas sets the desired replica count with a merge patch.
func (c *HTTPClient) EnsureReplicas(ctx context.Context, tok Token, namespace, workload string, replicas int) (string, error) {
	patch := map[string]any{
		"spec": map[string]any{"replicas": replicas},
	}
	return c.patch(ctx, tok, c.workloadURL(namespace, workload), "application/merge-patch+json", patch)
}

// RollingRestart stamps a restart marker annotation on the pod template,
// the same mechanism kubectl rollout restart uses. Re-stamping within one
// attempt window is naturally idempotent.
func (c *HTTPClient) RollingRestart(ctx context.Context, tok Token, namespace, workload string) (string, error) {
	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						"kubectl.kubernetes.io/restartedAt": time.Now().UTC().Format(time.RFC3339),
					},
				},
			},
		},
	}
	return c.patch(ctx, tok, c.workloadURL(namespace, workload), "application/strategic-merge-patch+json", patch)
}

// DrainTarget marks the workload as draining via a label patch.
func (c *HTTPClient) DrainTarget(ctx context.Context, tok Token, namespace, workload string) (string, error) {
	patch := map[string]any{
		"metadata": map[string]any{
			"labels": map[string]string{"remedy.linnemanlabs.com/drain": "true"},
		},
	}
	return c.patch(ctx, tok, c.workloadURL(namespace, workload), "application/merge-patch+json", patch)
}

func (c *HTTPClient) patch(ctx context.Context, tok Token, url, contentType string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("controlplane: marshal patch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("controlplane: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("controlplane: patch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyLen))
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out struct {
		Metadata struct {
			UID             string `json:"uid"`
			ResourceVersion string `json:"resourceVersion"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// a reference is best-effort; the patch already applied
		return "", nil
	}
	if out.Metadata.UID != "" {
		return out.Metadata.UID + "@" + out.Metadata.ResourceVersion, nil
	}
	return "", nil
}
