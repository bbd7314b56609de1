package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/metrics"
	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// proxyAttemptClient is handed out for the proxy transport. Its first
// inference call is the last part of the attempt that produced it: a
// retryable failure there continues the same retry budget and may end on
// the fallback key. Later calls go straight to whichever client settled.
type proxyAttemptClient struct {
	ctrl     *Controller
	model    types.ModelInfo
	decision *RoutingDecision

	mu      sync.Mutex
	client  providers.Client
	settled bool
}

func (a *proxyAttemptClient) GetProviderName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client.GetProviderName()
}

func (a *proxyAttemptClient) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	return client.HealthCheck(ctx)
}

func (a *proxyAttemptClient) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	var resp *types.ChatResponse
	err := a.call(ctx, func(client providers.Client) error {
		var err error
		resp, err = client.ChatCompletion(ctx, a.forTransport(req))
		return err
	})
	return resp, err
}

func (a *proxyAttemptClient) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	var chunks <-chan *types.ChatChunk
	err := a.call(ctx, func(client providers.Client) error {
		var err error
		chunks, err = client.StreamCompletion(ctx, a.forTransport(req))
		return err
	})
	return chunks, err
}

func (a *proxyAttemptClient) call(ctx context.Context, send func(providers.Client) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settled {
		return send(a.client)
	}
	a.settled = true

	client, err := a.ctrl.firstCall(ctx, a.model, a.decision, a.client, send)
	if client != nil {
		a.client = client
	}
	return err
}

// forTransport attaches the routing metadata the proxy expects. Requests
// that end up on the fallback key leave unannotated.
func (a *proxyAttemptClient) forTransport(req *types.ChatRequest) *types.ChatRequest {
	if a.decision.Transport != providers.TransportProxy {
		return req
	}

	out := *req
	md := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["request_id"] = out.ID
	md["transport"] = string(providers.TransportProxy)
	out.Metadata = md
	return &out
}

// firstCall sends on client and, while the proxy keeps failing with a
// retryable error, moves on to the next attempt of the budget. It returns
// the client the call finally went out on.
func (c *Controller) firstCall(ctx context.Context, model types.ModelInfo, d *RoutingDecision, client providers.Client, send func(providers.Client) error) (providers.Client, error) {
	for {
		err := send(client)
		if err == nil || d.Transport != providers.TransportProxy {
			return client, err
		}

		class := classify(ctx, err)
		metrics.ProxyAttempts.WithLabelValues(class.String()).Inc()

		switch class {
		case classCanceled:
			return client, err
		case classAuthentication:
			d.reason("proxy rejected credential on attempt %d", d.Attempt)
			c.settle(d, err)
			return client, wrapClass(ErrAuthentication, err)
		case classConfiguration:
			d.reason("proxy rejected request on attempt %d", d.Attempt)
			c.settle(d, err)
			return client, wrapClass(ErrConfiguration, err)
		}

		c.logger.WithFields(logrus.Fields{
			"model":        model.Ref(),
			"attempt":      d.Attempt,
			"max_attempts": c.policy.MaxAttempts,
			"error":        err.Error(),
		}).Warn("Proxy call failed after verification")
		d.reason("proxy call failed on attempt %d", d.Attempt)

		next, err := c.proxyAttempts(ctx, model, d, d.Attempt+1, fmt.Errorf("%w: %w", ErrRetryableTransport, err))
		c.settle(d, err)
		if err != nil {
			return nil, err
		}
		client = next
	}
}
