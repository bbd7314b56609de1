package providers

import (
	"context"

	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// Client is bound to one model on one transport and performs inference calls.
// Implementations never retry; resilience lives in the routing package.
type Client interface {
	GetProviderName() string
	ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error)
	HealthCheck(ctx context.Context) error
}

// Transport identifies how a request leaves the process.
type Transport string

const (
	TransportProxy          Transport = "proxy"
	TransportFallbackDirect Transport = "fallback-direct"
	TransportStandard       Transport = "standard"
)

// Factory builds clients from a transport decision and resolved credentials.
type Factory interface {
	NewClient(spec ClientSpec) (Client, error)
}
