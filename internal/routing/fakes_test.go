package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/proxyapi"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: time.Second,
		ProbeTimeout:   500 * time.Millisecond,
		Cooldown:       5 * time.Minute,
	}
}

func testCatalog(t *testing.T) *types.Catalog {
	t.Helper()
	catalog, err := types.NewCatalog([]types.ModelInfo{
		{Name: "gpt-4o", Provider: "openai"},
		{Name: "claude-sonnet", Provider: "anthropic", ProviderModelID: "claude-3-5-sonnet-20241022"},
	})
	require.NoError(t, err)
	return catalog
}

// fakeClient is a scripted providers.Client.
type fakeClient struct {
	spec    providers.ClientSpec
	factory *fakeFactory

	mu       sync.Mutex
	requests []*types.ChatRequest
}

func (c *fakeClient) GetProviderName() string { return c.spec.Provider }

func (c *fakeClient) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if err := c.factory.callErr(c.spec.Transport); err != nil {
		return nil, err
	}
	return &types.ChatResponse{
		ID:    "resp-1",
		Model: c.spec.Model,
		Choices: []types.Choice{{
			Message:      types.Message{Role: "assistant", Content: "ok"},
			FinishReason: "stop",
		}},
	}, nil
}

func (c *fakeClient) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if err := c.factory.callErr(c.spec.Transport); err != nil {
		return nil, err
	}
	ch := make(chan *types.ChatChunk, 1)
	ch <- &types.ChatChunk{ID: "chunk-1", Model: c.spec.Model}
	close(ch)
	return ch, nil
}

func (c *fakeClient) HealthCheck(ctx context.Context) error {
	return c.factory.health(ctx)
}

// fakeFactory records every spec and answers proxy health checks from a
// script: healthErrs is consumed in order, then healthFn (if set) decides,
// otherwise the check passes. proxyCallErrs scripts the inference calls
// made on proxy clients the same way.
type fakeFactory struct {
	mu            sync.Mutex
	specs         []providers.ClientSpec
	clients       []*fakeClient
	healthErrs    []error
	healthFn      func(ctx context.Context, call int) error
	healthCalls   int
	proxyCallErrs []error
}

func (f *fakeFactory) callErr(transport providers.Transport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if transport != providers.TransportProxy || len(f.proxyCallErrs) == 0 {
		return nil
	}
	err := f.proxyCallErrs[0]
	f.proxyCallErrs = f.proxyCallErrs[1:]
	return err
}

// sent returns every request sent on a client of transport.
func (f *fakeFactory) sent(transport providers.Transport) []*types.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ChatRequest
	for _, c := range f.clients {
		if c.spec.Transport != transport {
			continue
		}
		c.mu.Lock()
		out = append(out, c.requests...)
		c.mu.Unlock()
	}
	return out
}

func (f *fakeFactory) NewClient(spec providers.ClientSpec) (providers.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if spec.Credential == "" {
		return nil, providers.ErrMissingCredential
	}
	client := &fakeClient{spec: spec, factory: f}
	f.clients = append(f.clients, client)
	return client, nil
}

func (f *fakeFactory) health(ctx context.Context) error {
	f.mu.Lock()
	f.healthCalls++
	call := f.healthCalls
	var scripted error
	hasScripted := len(f.healthErrs) > 0
	if hasScripted {
		scripted = f.healthErrs[0]
		f.healthErrs = f.healthErrs[1:]
	}
	fn := f.healthFn
	f.mu.Unlock()

	if hasScripted {
		return scripted
	}
	if fn != nil {
		return fn(ctx, call)
	}
	return nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls
}

func (f *fakeFactory) specsFor(transport providers.Transport) []providers.ClientSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []providers.ClientSpec
	for _, s := range f.specs {
		if s.Transport == transport {
			out = append(out, s)
		}
	}
	return out
}

// countingStore wraps a settings store and counts writes.
type countingStore struct {
	settings.Store
	mu      sync.Mutex
	updates int
}

func (s *countingStore) Update(ctx context.Context, mutate func(*settings.RoutingConfig) error) (settings.RoutingConfig, error) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.Store.Update(ctx, mutate)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// sleepRecorder replaces the wall-clock backoff wait.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(ctx context.Context) error
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fakeCredentialSource struct {
	creds *proxyapi.FallbackCredentials
	err   error
}

func (f fakeCredentialSource) FetchFallbackCredentials(ctx context.Context) (*proxyapi.FallbackCredentials, error) {
	return f.creds, f.err
}

type fixture struct {
	ctrl      *Controller
	store     *countingStore
	secrets   *settings.MemorySecrets
	factory   *fakeFactory
	ledger    *ledger.MemoryStore
	sleeps    *sleepRecorder
	recovered int
}

func (fx *fixture) config(t *testing.T) settings.RoutingConfig {
	t.Helper()
	cfg, err := fx.store.Read(context.Background())
	require.NoError(t, err)
	return cfg
}

func (fx *fixture) records(t *testing.T) []ledger.Record {
	t.Helper()
	recs, err := fx.ledger.List(context.Background(), ledger.ListOptions{})
	require.NoError(t, err)
	return recs
}

// enabledConfig is a healthy distribution config with a proxy credential.
func enabledConfig() settings.RoutingConfig {
	return settings.RoutingConfig{
		Enabled:    true,
		BaseURL:    "https://proxy.example.com",
		Credential: "proxy/token",
	}
}

func withOpenAIFallback(cfg settings.RoutingConfig) settings.RoutingConfig {
	cfg.FallbackCredentials = map[string]settings.SecretRef{"openai": settings.FallbackRef("openai")}
	return cfg
}

func newFixture(t *testing.T, cfg settings.RoutingConfig) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	fx := &fixture{
		store: &countingStore{Store: settings.NewMemoryStore(cfg)},
		secrets: settings.NewMemorySecrets(map[settings.SecretRef]string{
			"proxy/token":                  "proxy-token-1",
			settings.FallbackRef("openai"): "sk-fallback-openai",
		}),
		factory: &fakeFactory{},
		ledger:  ledger.NewMemoryStore(),
		sleeps:  &sleepRecorder{},
	}

	ctrl, err := NewController(Dependencies{
		Catalog:  testCatalog(t),
		Settings: fx.store,
		Secrets:  fx.secrets,
		Factory:  fx.factory,
		Ledger:   fx.ledger,
		Providers: map[string]ProviderEndpoint{
			"openai":    {APIKey: "sk-standard-openai"},
			"anthropic": {APIKey: "sk-standard-anthropic"},
		},
		OnRecovered: func() { fx.recovered++ },
	}, testPolicy(), logger)
	require.NoError(t, err)

	ctrl.now = func() time.Time { return testNow }
	ctrl.sleep = fx.sleeps.sleep
	fx.ctrl = ctrl
	return fx
}

var errUpstream = errors.New("upstream connection reset")
