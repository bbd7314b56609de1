package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/proxyapi"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

func unavailable() error {
	return &goopenai.APIError{HTTPStatusCode: 503, Message: "service unavailable"}
}

func TestAcquireClient_HappyPath(t *testing.T) {
	fx := newFixture(t, enabledConfig())

	client, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, providers.TransportProxy, decision.Transport)
	assert.Equal(t, OutcomeSuccess, decision.Outcome)
	assert.Equal(t, 1, decision.Attempt)
	assert.Empty(t, decision.Delays)
	assert.Empty(t, fx.records(t))
	assert.Equal(t, 1, fx.factory.calls())

	proxySpecs := fx.factory.specsFor(providers.TransportProxy)
	require.Len(t, proxySpecs, 1)
	assert.Equal(t, "proxy-token-1", proxySpecs[0].Credential)
	assert.Equal(t, "https://proxy.example.com", proxySpecs[0].BaseURL)
	assert.Equal(t, "openai/gpt-4o", proxySpecs[0].Model)

	// No counter to reset, nothing written.
	assert.Zero(t, fx.store.writes())
}

func TestAcquireClient_SuccessResetsFailureCounter(t *testing.T) {
	cfg := enabledConfig()
	cfg.ConsecutiveFailures = 2
	fx := newFixture(t, cfg)

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "openai/gpt-4o")
	require.NoError(t, err)
	assert.Zero(t, fx.config(t).ConsecutiveFailures)
}

func TestAcquireClient_BoundedOutage(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.healthErrs = []error{unavailable(), unavailable(), unavailable()}

	client, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)
	assert.Equal(t, OutcomeSuccess, decision.Outcome)
	assert.Equal(t, 3, decision.Attempt)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fx.sleeps.recorded())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, decision.Delays)

	records := fx.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "openai/gpt-4o", records[0].ModelRef)
	assert.Equal(t, "openai", records[0].ProviderHint)
	assert.Contains(t, records[0].ErrorSummary, "service unavailable")
	assert.False(t, records[0].Synced)
	assert.Equal(t, records[0].ID, decision.LedgerRecordID)

	cfg := fx.config(t)
	assert.True(t, cfg.UseFallback)
	assert.Equal(t, 1, cfg.ConsecutiveFailures)
	require.NotNil(t, cfg.LastFailureAt)
	assert.True(t, testNow.Equal(*cfg.LastFailureAt))

	direct := fx.factory.specsFor(providers.TransportFallbackDirect)
	require.Len(t, direct, 1)
	assert.Equal(t, "sk-fallback-openai", direct[0].Credential)
	assert.Equal(t, "gpt-4o", direct[0].Model)
}

func TestAcquireClient_ExhaustedWithoutFallback(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	fx.factory.healthErrs = []error{unavailable(), unavailable(), unavailable()}

	client, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	assert.ErrorIs(t, err, ErrProxyExhaustedNoFallback)
	assert.Nil(t, client)
	assert.Equal(t, OutcomeExhausted, decision.Outcome)

	assert.Len(t, fx.records(t), 1)
	cfg := fx.config(t)
	assert.True(t, cfg.UseFallback, "future requests must skip the proxy")
	assert.Equal(t, 1, cfg.ConsecutiveFailures)
}

func TestAcquireClient_RecoversBeforeBudget(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.healthErrs = []error{unavailable(), errUpstream}

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)

	assert.Equal(t, providers.TransportProxy, decision.Transport)
	assert.Equal(t, 3, decision.Attempt)
	assert.Empty(t, fx.records(t))
	assert.False(t, fx.config(t).UseFallback)

	delays := fx.sleeps.recorded()
	require.Len(t, delays, 2)
	for i, d := range delays {
		minimum := testPolicy().BaseDelay << i
		assert.GreaterOrEqual(t, d, minimum)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1])
		}
	}
}

func TestAcquireClient_AuthenticationFailure(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.healthErrs = []error{&goopenai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}}

	client, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Nil(t, client)
	assert.Equal(t, OutcomeAborted, decision.Outcome)

	assert.Equal(t, 1, fx.factory.calls())
	assert.Empty(t, fx.sleeps.recorded())
	assert.Empty(t, fx.records(t))
	assert.False(t, fx.config(t).UseFallback)
}

func TestAcquireClient_MissingProxyCredentialIsAuthentication(t *testing.T) {
	cfg := enabledConfig()
	cfg.Credential = "proxy/unknown"
	fx := newFixture(t, cfg)

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Empty(t, fx.sleeps.recorded())
	assert.Empty(t, fx.records(t))
}

func TestAcquireClient_ClientErrorIsConfiguration(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	fx.factory.healthErrs = []error{&proxyapi.StatusError{StatusCode: 400, Body: "bad request"}}

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 1, fx.factory.calls())
	assert.Empty(t, fx.records(t))
}

func TestAcquireClient_ListingRouteMissingStillUsesProxy(t *testing.T) {
	for name, err := range map[string]error{
		"not found":          &goopenai.RequestError{HTTPStatusCode: 404, Err: errors.New("404 page not found")},
		"method not allowed": &goopenai.APIError{HTTPStatusCode: 405, Message: "method not allowed"},
	} {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, withOpenAIFallback(enabledConfig()))
			fx.factory.healthErrs = []error{err}

			_, decision, acquireErr := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
			require.NoError(t, acquireErr)
			assert.Equal(t, providers.TransportProxy, decision.Transport)
			assert.Equal(t, 1, decision.Attempt)
			assert.Empty(t, fx.sleeps.recorded())
			assert.Empty(t, fx.records(t))
		})
	}
}

func TestAcquireClient_UnknownModel(t *testing.T) {
	fx := newFixture(t, enabledConfig())

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "mistral/large")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, types.ErrUnknownModel)
	assert.Equal(t, OutcomeAborted, decision.Outcome)
	assert.Zero(t, fx.factory.calls())
}

func TestAcquireClient_CancelDuringBackoff(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.healthErrs = []error{unavailable(), unavailable(), unavailable()}

	ctx, cancel := context.WithCancel(t.Context())
	fx.sleeps.hook = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	client, decision, err := fx.ctrl.AcquireClient(ctx, "gpt-4o")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, client)
	assert.Equal(t, OutcomeAborted, decision.Outcome)

	assert.Equal(t, 1, fx.factory.calls(), "no attempt after cancellation")
	assert.Len(t, fx.sleeps.recorded(), 1)
	assert.Empty(t, fx.records(t), "cancellation is not a failure")
	assert.False(t, fx.config(t).UseFallback)
	assert.Zero(t, fx.config(t).ConsecutiveFailures)
}

func TestAcquireClient_CancelDuringAttempt(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))

	ctx, cancel := context.WithCancel(t.Context())
	fx.factory.healthFn = func(attemptCtx context.Context, call int) error {
		cancel()
		<-attemptCtx.Done()
		return attemptCtx.Err()
	}

	_, _, err := fx.ctrl.AcquireClient(ctx, "gpt-4o")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fx.sleeps.recorded())
	assert.Empty(t, fx.records(t))
}

func TestAcquireClient_AttemptTimeoutIsRetryable(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.ctrl.policy.AttemptTimeout = 10 * time.Millisecond
	fx.factory.healthFn = func(attemptCtx context.Context, call int) error {
		<-attemptCtx.Done()
		return attemptCtx.Err()
	}

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)
	assert.Equal(t, 3, fx.factory.calls())
	assert.Len(t, fx.records(t), 1)
}

func TestAcquireClient_ConcurrentExhaustionCountsBoth(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))

	// Hold both first attempts until each request has read the healthy
	// config, so both run a full retry sequence.
	var barrier sync.WaitGroup
	barrier.Add(2)
	fx.factory.healthFn = func(ctx context.Context, call int) error {
		if call <= 2 {
			barrier.Done()
			barrier.Wait()
		}
		return unavailable()
	}

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, decision, err := fx.ctrl.AcquireClient(context.Background(), "gpt-4o")
			if assert.NoError(t, err) && decision.Transport == providers.TransportFallbackDirect {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), succeeded.Load())
	assert.Equal(t, 2, fx.config(t).ConsecutiveFailures)
	assert.Len(t, fx.records(t), 2)
}

func TestAcquireClient_CredentialRotationMidOutage(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	fx.factory.healthFn = func(ctx context.Context, call int) error {
		if call == 1 {
			require.NoError(t, fx.secrets.Put(ctx, "proxy/token", "proxy-token-2"))
			return unavailable()
		}
		return nil
	}

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)

	specs := fx.factory.specsFor(providers.TransportProxy)
	require.Len(t, specs, 2)
	assert.Equal(t, "proxy-token-1", specs[0].Credential)
	assert.Equal(t, "proxy-token-2", specs[1].Credential)
}

func TestAcquireClient_ProxyURLOverride(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	fx.ctrl.endpoints = NewProxyEndpoints(fx.store, fx.secrets, "https://override.example.com")

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	specs := fx.factory.specsFor(providers.TransportProxy)
	require.Len(t, specs, 1)
	assert.Equal(t, "https://override.example.com", specs[0].BaseURL)
}

func TestAcquireClient_DisabledNeverWritesRoutingState(t *testing.T) {
	cfg := withOpenAIFallback(enabledConfig())
	cfg.Enabled = false
	cfg.UseFallback = true
	cfg.ConsecutiveFailures = 4
	fx := newFixture(t, cfg)

	for _, ref := range []string{"gpt-4o", "claude-sonnet"} {
		_, decision, err := fx.ctrl.AcquireClient(t.Context(), ref)
		require.NoError(t, err)
		assert.Equal(t, providers.TransportStandard, decision.Transport)
	}

	assert.Zero(t, fx.store.writes())
	assert.Zero(t, fx.factory.calls())
	assert.Empty(t, fx.records(t))

	standard := fx.factory.specsFor(providers.TransportStandard)
	require.Len(t, standard, 2)
	assert.Equal(t, "sk-standard-openai", standard[0].Credential)
	assert.Equal(t, "claude-3-5-sonnet-20241022", standard[1].Model)

	after := fx.config(t)
	assert.True(t, after.UseFallback)
	assert.Equal(t, 4, after.ConsecutiveFailures)
}

func TestAcquireClient_DisabledWithoutKeyIsAuthentication(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	fx := newFixture(t, cfg)
	fx.ctrl.providers = map[string]ProviderEndpoint{}

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, providers.ErrMissingCredential)
}

func degradedConfig(lastFailure time.Time) settings.RoutingConfig {
	cfg := withOpenAIFallback(enabledConfig())
	cfg.UseFallback = true
	cfg.ConsecutiveFailures = 1
	cfg.LastFailureAt = &lastFailure
	return cfg
}

func TestAcquireClient_DegradedWithinCooldownSkipsProxy(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-time.Minute)))

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)
	assert.Zero(t, fx.factory.calls(), "no probe inside the cooldown window")
	assert.Empty(t, fx.factory.specsFor(providers.TransportProxy))
	assert.Zero(t, fx.store.writes())
}

func TestAcquireClient_DegradedMissingFallbackForProvider(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-time.Minute)))

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "claude-sonnet")
	assert.ErrorIs(t, err, ErrProxyExhaustedNoFallback)
}

func TestAcquireClient_ExpiredFallbackCredentials(t *testing.T) {
	cfg := degradedConfig(testNow.Add(-time.Minute))
	expired := testNow.Add(-time.Second)
	cfg.FallbackExpiresAt = &expired
	fx := newFixture(t, cfg)

	_, _, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	assert.ErrorIs(t, err, ErrProxyExhaustedNoFallback)
}

func TestAcquireClient_CooldownProbeRecovers(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-10*time.Minute)))

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, providers.TransportProxy, decision.Transport)
	assert.Equal(t, 1, fx.factory.calls())

	cfg := fx.config(t)
	assert.False(t, cfg.UseFallback)
	assert.Zero(t, cfg.ConsecutiveFailures)
	assert.Equal(t, 1, fx.recovered, "recovery triggers a ledger sync")

	// Subsequent requests take the healthy path.
	_, decision, err = fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, providers.TransportProxy, decision.Transport)
}

func TestAcquireClient_CooldownProbeFails(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-10*time.Minute)))
	fx.factory.healthErrs = []error{unavailable()}

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)
	assert.Equal(t, 1, fx.factory.calls(), "exactly one probe, no retry loop")
	assert.Empty(t, fx.sleeps.recorded())
	assert.Empty(t, fx.records(t), "a failed probe is not a new outage record")

	cfg := fx.config(t)
	assert.True(t, cfg.UseFallback)
	require.NotNil(t, cfg.LastFailureAt)
	assert.True(t, testNow.Equal(*cfg.LastFailureAt), "cooldown restarts")
	assert.Equal(t, 1, cfg.ConsecutiveFailures)
	assert.Zero(t, fx.recovered)
}

func TestAcquireClient_ProbeUsesProbeTimeout(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-10*time.Minute)))
	fx.ctrl.policy.ProbeTimeout = 5 * time.Millisecond

	var deadline time.Duration
	fx.factory.healthFn = func(ctx context.Context, call int) error {
		if dl, ok := ctx.Deadline(); ok {
			deadline = time.Until(dl)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	_, decision, err := fx.ctrl.AcquireClient(t.Context(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)
	assert.LessOrEqual(t, deadline, 5*time.Millisecond)
}

func TestSetProxyEnabled_ResetsResilienceState(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-time.Minute)))

	cfg, err := fx.ctrl.SetProxyEnabled(t.Context(), false)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.UseFallback)
	assert.Zero(t, cfg.ConsecutiveFailures)

	cfg, err = fx.ctrl.SetProxyEnabled(t.Context(), true)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "https://proxy.example.com", cfg.BaseURL)
}

func TestState(t *testing.T) {
	tests := []struct {
		name string
		cfg  settings.RoutingConfig
		want State
	}{
		{name: "disabled", cfg: settings.RoutingConfig{}, want: StateDisabled},
		{name: "healthy", cfg: enabledConfig(), want: StateHealthy},
		{name: "degraded", cfg: degradedConfig(testNow.Add(-time.Minute)), want: StateDegraded},
		{name: "probe due", cfg: degradedConfig(testNow.Add(-time.Hour)), want: StateProbeDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.cfg)
			state, _, err := fx.ctrl.State(t.Context())
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestCheckRecovery_IgnoresCooldown(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-time.Second)))

	state, err := fx.ctrl.CheckRecovery(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, state)
	assert.False(t, fx.config(t).UseFallback)
	assert.Equal(t, 1, fx.recovered)
}

func TestCheckRecovery_Failure(t *testing.T) {
	fx := newFixture(t, degradedConfig(testNow.Add(-time.Second)))
	fx.factory.healthErrs = []error{errUpstream}

	state, err := fx.ctrl.CheckRecovery(t.Context())
	assert.Error(t, err)
	assert.Equal(t, StateDegraded, state)
	assert.True(t, fx.config(t).UseFallback)
}

func TestCheckRecovery_HealthyIsNoop(t *testing.T) {
	fx := newFixture(t, enabledConfig())

	state, err := fx.ctrl.CheckRecovery(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, state)
	assert.Zero(t, fx.factory.calls())
}

func TestRefreshFallbackCredentials(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	expires := testNow.Add(24 * time.Hour)
	fx.ctrl.credentials = fakeCredentialSource{creds: &proxyapi.FallbackCredentials{
		Credentials: map[string]string{"openai": "sk-new-openai", "anthropic": "sk-new-anthropic", "xai": ""},
		ExpiresAt:   &expires,
	}}

	n, err := fx.ctrl.RefreshFallbackCredentials(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cfg := fx.config(t)
	assert.Equal(t, settings.FallbackRef("anthropic"), cfg.FallbackCredentials["anthropic"])
	assert.NotContains(t, cfg.FallbackCredentials, "xai")
	require.NotNil(t, cfg.FallbackExpiresAt)
	assert.True(t, expires.Equal(*cfg.FallbackExpiresAt))

	v, err := fx.secrets.Resolve(t.Context(), settings.FallbackRef("openai"))
	require.NoError(t, err)
	assert.Equal(t, "sk-new-openai", v)
}

func TestRefreshFallbackCredentials_SourceError(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	fx.ctrl.credentials = fakeCredentialSource{err: errors.New("backend down")}

	_, err := fx.ctrl.RefreshFallbackCredentials(t.Context())
	assert.Error(t, err)
	assert.Nil(t, fx.config(t).FallbackCredentials)

	fx.ctrl.credentials = nil
	_, err = fx.ctrl.RefreshFallbackCredentials(t.Context())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestComplete_ProxyCarriesMetadata(t *testing.T) {
	fx := newFixture(t, enabledConfig())

	req := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Metadata: map[string]string{"app": "builder"},
	}
	resp, decision, err := fx.ctrl.Complete(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, providers.TransportProxy, decision.Transport)
	require.NotNil(t, resp.RouterMetadata)
	assert.Equal(t, "proxy", resp.RouterMetadata.Transport)

	require.Len(t, fx.factory.clients, 1)
	sent := fx.factory.clients[0].requests
	require.Len(t, sent, 1, "request content is sent exactly once")
	assert.Equal(t, "proxy", sent[0].Metadata["transport"])
	assert.Equal(t, sent[0].ID, sent[0].Metadata["request_id"])
	assert.Equal(t, "builder", sent[0].Metadata["app"])
	assert.Empty(t, req.ID, "caller's request is not mutated")
	assert.Len(t, req.Metadata, 1)
}

func TestComplete_FallbackSendsOnce(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.healthErrs = []error{unavailable(), unavailable(), unavailable()}

	_, decision, err := fx.ctrl.Complete(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)

	var sends int
	for _, c := range fx.factory.clients {
		sends += len(c.requests)
		if len(c.requests) > 0 {
			assert.Equal(t, providers.TransportFallbackDirect, c.spec.Transport)
			assert.Nil(t, c.requests[0].Metadata)
		}
	}
	assert.Equal(t, 1, sends)
}

func TestComplete_CallFailureRetriesThenFallsBack(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.proxyCallErrs = []error{unavailable(), unavailable(), unavailable()}

	resp, decision, err := fx.ctrl.Complete(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)
	assert.Equal(t, OutcomeSuccess, decision.Outcome)
	assert.Equal(t, 3, decision.Attempt)
	assert.Len(t, decision.Delays, 2)
	assert.Len(t, fx.sleeps.recorded(), 2)
	assert.Equal(t, "fallback-direct", resp.RouterMetadata.Transport)

	records := fx.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, records[0].ID, decision.LedgerRecordID)
	assert.Contains(t, records[0].ErrorSummary, "service unavailable")

	cfg := fx.config(t)
	assert.True(t, cfg.UseFallback)
	assert.Equal(t, 1, cfg.ConsecutiveFailures)

	assert.Len(t, fx.factory.sent(providers.TransportProxy), 3)
	direct := fx.factory.sent(providers.TransportFallbackDirect)
	require.Len(t, direct, 1, "fallback key is used exactly once")
	assert.Nil(t, direct[0].Metadata)
}

func TestComplete_CallFailureRecoversOnNextAttempt(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.proxyCallErrs = []error{unavailable()}

	resp, decision, err := fx.ctrl.Complete(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.TransportProxy, decision.Transport)
	assert.Equal(t, 2, decision.Attempt)
	assert.Equal(t, 2, resp.RouterMetadata.Attempts)
	assert.Len(t, fx.sleeps.recorded(), 1)
	assert.Len(t, fx.factory.sent(providers.TransportProxy), 2)
	assert.Empty(t, fx.factory.sent(providers.TransportFallbackDirect))
	assert.Empty(t, fx.records(t))
	assert.False(t, fx.config(t).UseFallback)
}

func TestComplete_CallRejectedCredentialIsAuthentication(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.proxyCallErrs = []error{&goopenai.APIError{HTTPStatusCode: 401, Message: "invalid token"}}

	_, decision, err := fx.ctrl.Complete(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, OutcomeAborted, decision.Outcome)
	assert.Empty(t, fx.sleeps.recorded())
	assert.Empty(t, fx.records(t))
	assert.Empty(t, fx.factory.sent(providers.TransportFallbackDirect))
	assert.False(t, fx.config(t).UseFallback)
}

func TestComplete_CallFailureWithoutFallback(t *testing.T) {
	fx := newFixture(t, enabledConfig())
	fx.factory.proxyCallErrs = []error{unavailable(), unavailable(), unavailable()}

	_, decision, err := fx.ctrl.Complete(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrProxyExhaustedNoFallback)
	assert.Equal(t, OutcomeExhausted, decision.Outcome)
	assert.Len(t, fx.records(t), 1)
	assert.True(t, fx.config(t).UseFallback)
}

func TestStream_CallFailureFallsBack(t *testing.T) {
	fx := newFixture(t, withOpenAIFallback(enabledConfig()))
	fx.factory.proxyCallErrs = []error{unavailable(), unavailable(), unavailable()}

	chunks, decision, err := fx.ctrl.Stream(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.TransportFallbackDirect, decision.Transport)

	var got int
	for range chunks {
		got++
	}
	assert.Equal(t, 1, got)
	assert.Len(t, fx.records(t), 1)

	direct := fx.factory.sent(providers.TransportFallbackDirect)
	require.Len(t, direct, 1)
	assert.True(t, direct[0].Stream)
}

func TestStream(t *testing.T) {
	fx := newFixture(t, enabledConfig())

	chunks, decision, err := fx.ctrl.Stream(t.Context(), &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.TransportProxy, decision.Transport)

	var got int
	for range chunks {
		got++
	}
	assert.Equal(t, 1, got)
	assert.True(t, fx.factory.clients[0].requests[0].Stream)
}

func TestNewController_RejectsInvalidPolicy(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 0
	_, err := NewController(Dependencies{}, policy, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewController(Dependencies{}, testPolicy(), nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}
