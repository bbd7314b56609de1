package proxyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
)

// ErrProxyDisabled is returned when the endpoint resolver has no proxy to
// talk to.
var ErrProxyDisabled = errors.New("managed proxy is not enabled")

// EndpointResolver supplies the current proxy base URL and bearer token.
type EndpointResolver interface {
	ProxyEndpoint(ctx context.Context) (baseURL, token string, err error)
}

// StatusError is a non-success response from the proxy control API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proxy API returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatusCode lets the routing classifier treat this like an SDK error.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// FallbackCredentials is the provider key set issued for direct fallback.
type FallbackCredentials struct {
	Credentials map[string]string `json:"credentials"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Client talks to the proxy's control endpoints.
type Client struct {
	resolver   EndpointResolver
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a control API client.
func NewClient(resolver EndpointResolver, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		resolver:   resolver,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchFallbackCredentials retrieves the direct-provider keys for the
// current account.
func (c *Client) FetchFallbackCredentials(ctx context.Context) (*FallbackCredentials, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/fallback-credentials", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var creds FallbackCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode fallback credentials: %w", err)
	}
	return &creds, nil
}

type failurePayload struct {
	ID           string    `json:"id"`
	LoggedAt     time.Time `json:"logged_at"`
	ModelRef     string    `json:"model_ref"`
	ProviderHint string    `json:"provider_hint"`
	ErrorSummary string    `json:"error_summary"`
}

// SubmitFailure uploads one ledger record. The record id doubles as the
// idempotency key, so a 409 for an already-known id counts as accepted.
func (c *Client) SubmitFailure(ctx context.Context, rec ledger.Record) error {
	body, err := json.Marshal(failurePayload{
		ID:           rec.ID,
		LoggedAt:     rec.LoggedAt,
		ModelRef:     rec.ModelRef,
		ProviderHint: rec.ProviderHint,
		ErrorSummary: rec.ErrorSummary,
	})
	if err != nil {
		return fmt.Errorf("failed to encode failure record: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/failures", body, map[string]string{
		"Idempotency-Key": rec.ID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	baseURL, token, err := c.resolver.ProxyEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
	}).Debug("Calling proxy API")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy API request failed: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

var _ ledger.Backend = (*Client)(nil)
