package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/providers/anthropic"
	"github.com/tributary-ai/llm-proxy-router/internal/providers/openai"
)

var (
	// ErrMissingCredential is returned instead of ever building an unauthenticated client.
	ErrMissingCredential = errors.New("missing credential")
	// ErrCredentialExpired is returned for JWT credentials whose exp claim has passed.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrUnsupportedProvider is returned for providers the factory cannot build.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// ClientSpec carries everything needed to construct one client.
type ClientSpec struct {
	Transport  Transport
	Provider   string
	Model      string
	Credential string
	BaseURL    string
	Timeout    time.Duration
}

// openAICompatible lists providers reachable through the OpenAI wire format.
var openAICompatible = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"deepseek":   true,
	"xai":        true,
}

// DefaultFactory builds go-openai and anthropic-sdk-go backed clients.
type DefaultFactory struct {
	logger *logrus.Logger
	now    func() time.Time
}

// NewDefaultFactory creates a factory
func NewDefaultFactory(logger *logrus.Logger) *DefaultFactory {
	return &DefaultFactory{
		logger: logger,
		now:    time.Now,
	}
}

// NewClient validates the spec and constructs the matching client.
func (f *DefaultFactory) NewClient(spec ClientSpec) (Client, error) {
	if strings.TrimSpace(spec.Credential) == "" {
		return nil, fmt.Errorf("%w: %s transport for provider %s", ErrMissingCredential, spec.Transport, spec.Provider)
	}
	if err := checkCredentialExpiry(spec.Credential, f.now()); err != nil {
		return nil, fmt.Errorf("%s transport for provider %s: %w", spec.Transport, spec.Provider, err)
	}
	if spec.Model == "" {
		return nil, fmt.Errorf("no model bound for %s transport", spec.Transport)
	}

	if spec.Transport == TransportProxy {
		if spec.BaseURL == "" {
			return nil, fmt.Errorf("proxy transport requires a base URL")
		}
		return openai.NewOpenAIProvider(&openai.OpenAIConfig{
			Name:    "proxy",
			APIKey:  spec.Credential,
			BaseURL: proxyAPIBase(spec.BaseURL),
			Model:   spec.Model,
			Timeout: spec.Timeout,
			Proxy:   true,
		}, f.logger), nil
	}

	switch {
	case openAICompatible[spec.Provider]:
		return openai.NewOpenAIProvider(&openai.OpenAIConfig{
			Name:    spec.Provider,
			APIKey:  spec.Credential,
			BaseURL: spec.BaseURL,
			Model:   spec.Model,
			Timeout: spec.Timeout,
		}, f.logger), nil
	case spec.Provider == "anthropic":
		return anthropic.NewAnthropicProvider(&anthropic.AnthropicConfig{
			APIKey:  spec.Credential,
			BaseURL: spec.BaseURL,
			Model:   spec.Model,
			Timeout: spec.Timeout,
		}, f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, spec.Provider)
	}
}

// proxyAPIBase appends the OpenAI-compatible /v1 prefix to the proxy address.
func proxyAPIBase(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Ensure DefaultFactory implements Factory
var _ Factory = (*DefaultFactory)(nil)
