package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/tributary-ai/llm-proxy-router/internal/proxyapi"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
)

// ProxyEndpoints resolves the proxy address and bearer token from the
// current settings. The credential is looked up on every call so a rotated
// key is picked up by the next attempt.
type ProxyEndpoints struct {
	settings settings.Store
	secrets  settings.SecretStore
	override string
}

// NewProxyEndpoints creates a resolver. A non-empty override replaces the
// stored base URL for the lifetime of the process.
func NewProxyEndpoints(store settings.Store, secrets settings.SecretStore, override string) *ProxyEndpoints {
	return &ProxyEndpoints{
		settings: store,
		secrets:  secrets,
		override: strings.TrimSpace(override),
	}
}

// ProxyEndpoint implements proxyapi.EndpointResolver.
func (p *ProxyEndpoints) ProxyEndpoint(ctx context.Context) (string, string, error) {
	cfg, err := p.settings.Read(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to read routing config: %w", err)
	}
	if !cfg.Enabled {
		return "", "", proxyapi.ErrProxyDisabled
	}
	return p.resolve(ctx, cfg)
}

// baseURL returns the proxy root without a trailing slash or /v1 suffix;
// callers append their own versioned paths.
func (p *ProxyEndpoints) baseURL(cfg settings.RoutingConfig) string {
	base := p.override
	if base == "" {
		base = strings.TrimSpace(cfg.BaseURL)
	}
	base = strings.TrimRight(base, "/")
	return strings.TrimRight(strings.TrimSuffix(base, "/v1"), "/")
}

func (p *ProxyEndpoints) resolve(ctx context.Context, cfg settings.RoutingConfig) (string, string, error) {
	base := p.baseURL(cfg)
	if base == "" {
		return "", "", fmt.Errorf("%w: proxy base URL is not configured", ErrConfiguration)
	}
	if cfg.Credential == "" {
		return "", "", fmt.Errorf("%w: no proxy credential configured", ErrAuthentication)
	}
	token, err := p.secrets.Resolve(ctx, cfg.Credential)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return base, token, nil
}

var _ proxyapi.EndpointResolver = (*ProxyEndpoints)(nil)
