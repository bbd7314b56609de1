package routing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// Complete acquires a client for req.Model and sends the request on it. A
// retryable proxy failure of the call itself still counts against the retry
// budget and may move the request to the fallback key; it is sent to the
// fallback key at most once.
func (c *Controller) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, *RoutingDecision, error) {
	client, decision, err := c.AcquireClient(ctx, req.Model)
	if err != nil {
		return nil, decision, err
	}

	out := prepareRequest(req)
	resp, err := client.ChatCompletion(ctx, out)
	if err != nil {
		return nil, decision, fmt.Errorf("%s completion failed: %w", decision.Transport, err)
	}

	resp.RouterMetadata = decision.Metadata(out.ID)
	return resp, decision, nil
}

// Stream is the streaming counterpart of Complete.
func (c *Controller) Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, *RoutingDecision, error) {
	client, decision, err := c.AcquireClient(ctx, req.Model)
	if err != nil {
		return nil, decision, err
	}

	out := prepareRequest(req)
	out.Stream = true
	chunks, err := client.StreamCompletion(ctx, out)
	if err != nil {
		return nil, decision, fmt.Errorf("%s stream failed: %w", decision.Transport, err)
	}
	return chunks, decision, nil
}

// prepareRequest copies req and assigns an id. The proxy client adds the
// routing metadata when the request goes out on the proxy.
func prepareRequest(req *types.ChatRequest) *types.ChatRequest {
	out := *req
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	return &out
}
