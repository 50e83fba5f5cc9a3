package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Token is a short-lived credential scoped to a single target resource.
// It is obtained per executor invocation and never cached process-wide.
type Token struct {
	Value     string
	Scope     string
	ExpiresAt time.Time
}

// Valid reports whether the token has not yet expired.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenProvider exchanges a held identity for a scoped short-lived token.
type TokenProvider interface {
	ScopedToken(ctx context.Context, scope string) (Token, error)
}

// TokenExchanger obtains scoped tokens from a credential exchange endpoint,
// the way a presigned-identity exchange works: the long-lived credential
// never leaves this process and the returned token is narrowly scoped.
type TokenExchanger struct {
	endpoint   string
	credential string
	client     *http.Client
}

// NewTokenExchanger creates a TokenProvider backed by an HTTP exchange
// endpoint.
func NewTokenExchanger(endpoint, credential string) *TokenExchanger {
	return &TokenExchanger{
		endpoint:   endpoint,
		credential: credential,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// ScopedToken requests a token scoped to the given target resource.
func (e *TokenExchanger) ScopedToken(ctx context.Context, scope string) (Token, error) {
	body, err := json.Marshal(map[string]string{"scope": scope})
	if err != nil {
		return Token{}, fmt.Errorf("controlplane: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("controlplane: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.credential)

	resp, err := e.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("controlplane: token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyLen))
		return Token{}, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("controlplane: decode token response: %w", err)
	}
	if out.Token == "" {
		return Token{}, fmt.Errorf("controlplane: token exchange returned empty token")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 60
	}

	return Token{
		Value:     out.Token,
		Scope:     scope,
		ExpiresAt: time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
