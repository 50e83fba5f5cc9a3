package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FlagStore holds one scoped key-value entry per managed resource (e.g. a
// degraded-mode flag the remediated system reads). Last writer wins; the
// action executor is the sole writer.
type FlagStore interface {
	Set(ctx context.Context, tok Token, key, value string) error
}

// HTTPFlagStore writes flags to a parameter-store style REST API.
type HTTPFlagStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFlagStore creates a flag store client for the given endpoint.
func NewHTTPFlagStore(baseURL string) *HTTPFlagStore {
	return &HTTPFlagStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// Set writes a single flag value, overwriting any previous value.
func (s *HTTPFlagStore) Set(ctx context.Context, tok Token, key, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fmt.Errorf("controlplane: marshal flag: %w", err)
	}

	url := s.baseURL + "/v1/params/" + strings.TrimLeft(key, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("controlplane: create flag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: put flag %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyLen))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
