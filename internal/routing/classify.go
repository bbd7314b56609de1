package routing

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
)

type errorClass int

const (
	classRetryable errorClass = iota
	classAuthentication
	classConfiguration
	classCanceled
)

func (c errorClass) String() string {
	switch c {
	case classAuthentication:
		return "authentication"
	case classConfiguration:
		return "configuration"
	case classCanceled:
		return "canceled"
	default:
		return "retryable"
	}
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

// classify sorts an attempt failure. parent is the caller's context: an
// attempt deadline that fired while the caller is still waiting is a
// retryable timeout, a dead parent is a cancellation.
func classify(parent context.Context, err error) errorClass {
	if parent.Err() != nil {
		return classCanceled
	}

	switch {
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, providers.ErrMissingCredential),
		errors.Is(err, providers.ErrCredentialExpired),
		errors.Is(err, settings.ErrSecretNotFound):
		return classAuthentication
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, providers.ErrUnsupportedProvider):
		return classConfiguration
	}

	if status, ok := statusOf(err); ok {
		return classifyStatus(status)
	}

	// Attempt timeouts, network errors and anything unrecognized are
	// treated as transient.
	return classRetryable
}

func statusOf(err error) (int, bool) {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) && anthErr.StatusCode != 0 {
		return anthErr.StatusCode, true
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode(), true
	}
	return 0, false
}

func classifyStatus(status int) errorClass {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return classAuthentication
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return classRetryable
	case status >= 400:
		return classConfiguration
	default:
		return classRetryable
	}
}
