package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
	"github.com/tributary-ai/llm-proxy-router/internal/metrics"
	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/proxyapi"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// State is the routing mode derived from the stored config.
type State string

const (
	StateDisabled State = "disabled"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateProbeDue State = "probe-due"
)

// probeModel binds the client used for recovery probes; the probe only
// lists models, so the binding is never sent upstream.
var probeModel = types.ModelInfo{Name: "recovery-probe", Provider: "proxy"}

// ProviderEndpoint is the direct-access configuration for one provider.
// APIKey is only used on the standard transport; fallback-direct uses the
// credential issued by the proxy backend.
type ProviderEndpoint struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// CredentialsSource issues fallback provider credentials.
type CredentialsSource interface {
	FetchFallbackCredentials(ctx context.Context) (*proxyapi.FallbackCredentials, error)
}

// Dependencies are the collaborators a Controller needs. Credentials and
// OnRecovered are optional.
type Dependencies struct {
	Catalog     *types.Catalog
	Settings    settings.Store
	Secrets     settings.SecretStore
	Factory     providers.Factory
	Ledger      ledger.Store
	Endpoints   *ProxyEndpoints
	Providers   map[string]ProviderEndpoint
	Credentials CredentialsSource
	OnRecovered func()

	// ProxyTimeout bounds one inference call on the proxy client.
	ProxyTimeout time.Duration
}

// Controller decides, per request, which transport serves a model and keeps
// the persisted resilience state up to date.
type Controller struct {
	policy       RetryPolicy
	catalog      *types.Catalog
	settings     settings.Store
	secrets      settings.SecretStore
	factory      providers.Factory
	ledger       ledger.Store
	endpoints    *ProxyEndpoints
	providers    map[string]ProviderEndpoint
	credentials  CredentialsSource
	onRecovered  func()
	proxyTimeout time.Duration
	logger       *logrus.Logger

	probes singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController validates the policy and wires the collaborators.
func NewController(deps Dependencies, policy RetryPolicy, logger *logrus.Logger) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Catalog == nil:
		return nil, fmt.Errorf("%w: model catalog is required", ErrConfiguration)
	case deps.Settings == nil:
		return nil, fmt.Errorf("%w: settings store is required", ErrConfiguration)
	case deps.Secrets == nil:
		return nil, fmt.Errorf("%w: secret store is required", ErrConfiguration)
	case deps.Factory == nil:
		return nil, fmt.Errorf("%w: client factory is required", ErrConfiguration)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: failure ledger is required", ErrConfiguration)
	}

	endpoints := deps.Endpoints
	if endpoints == nil {
		endpoints = NewProxyEndpoints(deps.Settings, deps.Secrets, "")
	}
	providerEndpoints := deps.Providers
	if providerEndpoints == nil {
		providerEndpoints = make(map[string]ProviderEndpoint)
	}

	return &Controller{
		policy:       policy,
		catalog:      deps.Catalog,
		settings:     deps.Settings,
		secrets:      deps.Secrets,
		factory:      deps.Factory,
		ledger:       deps.Ledger,
		endpoints:    endpoints,
		providers:    providerEndpoints,
		credentials:  deps.Credentials,
		onRecovered:  deps.OnRecovered,
		proxyTimeout: deps.ProxyTimeout,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy returns the active retry policy.
func (c *Controller) Policy() RetryPolicy {
	return c.policy
}

// Models lists the logical model catalog.
func (c *Controller) Models() []types.ModelInfo {
	return c.catalog.Models()
}

// AcquireClient returns a ready client for modelRef. The only errors it
// returns are ErrConfiguration, ErrAuthentication, ErrProxyExhaustedNoFallback
// or the caller's context error.
func (c *Controller) AcquireClient(ctx context.Context, modelRef string) (providers.Client, *RoutingDecision, error) {
	decision := newDecision(modelRef, c.now())

	model, err := c.catalog.Resolve(modelRef)
	if err != nil {
		return c.finish(ctx, decision, nil, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	decision.Provider = model.Provider

	cfg, err := c.settings.Read(ctx)
	if err != nil {
		return c.finish(ctx, decision, nil, fmt.Errorf("failed to read routing config: %w", err))
	}

	var client providers.Client
	switch c.stateOf(cfg) {
	case StateDisabled:
		decision.reason("managed proxy disabled, using standard provider access")
		client, err = c.standardClient(model, decision)
	case StateHealthy:
		client, err = c.acquireProxy(ctx, model, decision)
	case StateProbeDue:
		client, err = c.probeOrFallback(ctx, model, decision)
	default:
		decision.reason("proxy degraded and cooldown active, skipping proxy")
		client, err = c.fallbackClient(ctx, model, decision)
	}

	if err == nil && decision.Transport == providers.TransportProxy {
		client = &proxyAttemptClient{ctrl: c, model: model, decision: decision, client: client}
	}
	return c.finish(ctx, decision, client, err)
}

func (c *Controller) finish(ctx context.Context, d *RoutingDecision, client providers.Client, err error) (providers.Client, *RoutingDecision, error) {
	now := c.now()
	c.settle(d, err)

	transport := string(d.Transport)
	if transport == "" {
		transport = "none"
	}
	metrics.ClientAcquisitions.WithLabelValues(transport, string(d.Outcome)).Inc()

	fields := logrus.Fields{
		"model":       d.ModelRef,
		"provider":    d.Provider,
		"transport":   d.Transport,
		"attempt":     d.Attempt,
		"outcome":     d.Outcome,
		"duration_ms": now.Sub(d.StartedAt).Milliseconds(),
	}
	if err != nil {
		if ctx.Err() != nil {
			c.logger.WithFields(fields).Debug("Client acquisition cancelled")
		} else {
			c.logger.WithFields(fields).WithError(err).Warn("Client acquisition failed")
		}
		return nil, d, err
	}
	c.logger.WithFields(fields).Info("Client acquired")
	return client, d, nil
}

// settle records the outcome err implies for d.
func (c *Controller) settle(d *RoutingDecision, err error) {
	now := c.now()
	switch {
	case err == nil:
		d.resolve(OutcomeSuccess, now)
	case errors.Is(err, ErrProxyExhaustedNoFallback):
		d.resolve(OutcomeExhausted, now)
	default:
		d.resolve(OutcomeAborted, now)
	}
}

func (c *Controller) stateOf(cfg settings.RoutingConfig) State {
	switch {
	case !cfg.Enabled:
		return StateDisabled
	case !cfg.UseFallback:
		return StateHealthy
	case c.cooldownElapsed(cfg):
		return StateProbeDue
	default:
		return StateDegraded
	}
}

func (c *Controller) cooldownElapsed(cfg settings.RoutingConfig) bool {
	if cfg.LastFailureAt == nil {
		return true
	}
	return c.now().Sub(*cfg.LastFailureAt) >= c.policy.Cooldown
}

// acquireProxy runs the bounded retry loop against the proxy.
func (c *Controller) acquireProxy(ctx context.Context, model types.ModelInfo, d *RoutingDecision) (providers.Client, error) {
	d.Transport = providers.TransportProxy
	return c.proxyAttempts(ctx, model, d, 1, nil)
}

// proxyAttempts runs attempts first..MaxAttempts and switches to fallback
// once the budget is spent. lastErr carries a failure observed before first.
func (c *Controller) proxyAttempts(ctx context.Context, model types.ModelInfo, d *RoutingDecision, first int, lastErr error) (providers.Client, error) {
	for attempt := first; attempt <= c.policy.MaxAttempts; attempt++ {
		d.Attempt = attempt

		if attempt > 1 {
			delay := c.policy.Backoff(attempt - 1)
			d.Delays = append(d.Delays, delay)

			c.logger.WithFields(logrus.Fields{
				"model":    model.Ref(),
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying proxy after backoff delay")

			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("request cancelled during retry backoff: %w", err)
			}
		}

		client, cfg, err := c.verifiedProxyClient(ctx, model, c.policy.AttemptTimeout)
		if err == nil {
			metrics.ProxyAttempts.WithLabelValues("success").Inc()
			c.resetFailures(ctx, cfg)
			d.reason("proxy verified on attempt %d", attempt)
			return client, nil
		}

		class := classify(ctx, err)
		metrics.ProxyAttempts.WithLabelValues(class.String()).Inc()

		switch class {
		case classCanceled:
			return nil, fmt.Errorf("client acquisition cancelled: %w", ctx.Err())
		case classAuthentication:
			d.reason("proxy rejected credential")
			return nil, wrapClass(ErrAuthentication, err)
		case classConfiguration:
			d.reason("proxy rejected request")
			return nil, wrapClass(ErrConfiguration, err)
		}

		lastErr = fmt.Errorf("%w: %w", ErrRetryableTransport, err)
		c.logger.WithFields(logrus.Fields{
			"model":        model.Ref(),
			"attempt":      attempt,
			"max_attempts": c.policy.MaxAttempts,
			"error":        err.Error(),
		}).Warn("Proxy attempt failed")
	}

	return c.exhausted(ctx, model, d, lastErr)
}

// verifiedProxyClient builds a proxy client from the current settings and
// verifies it with an authenticated model listing under timeout.
func (c *Controller) verifiedProxyClient(ctx context.Context, model types.ModelInfo, timeout time.Duration) (providers.Client, settings.RoutingConfig, error) {
	cfg, err := c.settings.Read(ctx)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to read routing config: %w", err)
	}

	client, err := c.proxyClient(ctx, cfg, model)
	if err != nil {
		return nil, cfg, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.HealthCheck(attemptCtx); err != nil && !routeMissing(err) {
		return nil, cfg, fmt.Errorf("proxy verification failed: %w", err)
	}
	return client, cfg, nil
}

// routeMissing reports a proxy that answered the check but does not serve
// the listing route. It is reachable, and the first inference call decides.
func routeMissing(err error) bool {
	status, ok := statusOf(err)
	return ok && (status == http.StatusNotFound || status == http.StatusMethodNotAllowed)
}

func (c *Controller) proxyClient(ctx context.Context, cfg settings.RoutingConfig, model types.ModelInfo) (providers.Client, error) {
	base, token, err := c.endpoints.resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.factory.NewClient(providers.ClientSpec{
		Transport:  providers.TransportProxy,
		Provider:   model.Provider,
		Model:      model.Ref(),
		Credential: token,
		BaseURL:    base,
		Timeout:    c.proxyTimeout,
	})
}

func (c *Controller) resetFailures(ctx context.Context, cfg settings.RoutingConfig) {
	if cfg.ConsecutiveFailures == 0 {
		return
	}
	if _, err := c.settings.Update(ctx, func(rc *settings.RoutingConfig) error {
		rc.ConsecutiveFailures = 0
		return nil
	}); err != nil {
		c.logger.WithError(err).Warn("Failed to reset proxy failure counter")
	}
}

// exhausted records the outage and switches new requests to fallback. The
// writes are detached from the caller's context so a late cancellation
// cannot leave the ledger and the settings disagreeing.
func (c *Controller) exhausted(ctx context.Context, model types.ModelInfo, d *RoutingDecision, lastErr error) (providers.Client, error) {
	writeCtx := context.WithoutCancel(ctx)
	now := c.now()

	rec := ledger.NewRecord(model.Ref(), model.Provider, lastErr, now)
	if err := c.ledger.Append(writeCtx, rec); err != nil {
		c.logger.WithFields(logrus.Fields{
			"model": model.Ref(),
			"error": err.Error(),
		}).Error("Failed to write failure record")
	} else {
		metrics.LedgerAppends.Inc()
		d.LedgerRecordID = rec.ID
	}

	if _, err := c.settings.Update(writeCtx, func(rc *settings.RoutingConfig) error {
		rc.UseFallback = true
		rc.LastFailureAt = &now
		rc.ConsecutiveFailures++
		return nil
	}); err != nil {
		c.logger.WithError(err).Error("Failed to persist fallback mode")
	}
	metrics.SetFallbackActive(true)

	c.logger.WithFields(logrus.Fields{
		"model":     model.Ref(),
		"provider":  model.Provider,
		"attempts":  d.Attempt,
		"record_id": rec.ID,
	}).Warn("Proxy retries exhausted, switching to fallback")

	d.reason("proxy exhausted after %d attempts", d.Attempt)
	return c.fallbackClient(ctx, model, d)
}

// fallbackClient builds a direct client from the credentials issued by the
// proxy backend.
func (c *Controller) fallbackClient(ctx context.Context, model types.ModelInfo, d *RoutingDecision) (providers.Client, error) {
	d.Transport = providers.TransportFallbackDirect

	cfg, err := c.settings.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}

	ref, ok := cfg.FallbackCredential(model.Provider, c.now())
	if !ok {
		d.reason("no usable fallback credential for %s", model.Provider)
		return nil, fmt.Errorf("%w: %s", ErrProxyExhaustedNoFallback, model.Provider)
	}
	key, err := c.secrets.Resolve(ctx, ref)
	if err != nil {
		d.reason("fallback credential for %s could not be resolved", model.Provider)
		return nil, fmt.Errorf("%w: %s: %w", ErrProxyExhaustedNoFallback, model.Provider, err)
	}

	endpoint := c.providers[model.Provider]
	client, err := c.factory.NewClient(providers.ClientSpec{
		Transport:  providers.TransportFallbackDirect,
		Provider:   model.Provider,
		Model:      model.DirectModelID(),
		Credential: key,
		BaseURL:    endpoint.BaseURL,
		Timeout:    endpoint.Timeout,
	})
	if err != nil {
		if errors.Is(err, providers.ErrUnsupportedProvider) {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrProxyExhaustedNoFallback, model.Provider, err)
	}

	d.reason("using fallback-direct access to %s", model.Provider)
	return client, nil
}

// standardClient is the non-distribution path: the configured provider key,
// no retries and no routing state.
func (c *Controller) standardClient(model types.ModelInfo, d *RoutingDecision) (providers.Client, error) {
	d.Transport = providers.TransportStandard
	d.Attempt = 1

	endpoint := c.providers[model.Provider]
	client, err := c.factory.NewClient(providers.ClientSpec{
		Transport:  providers.TransportStandard,
		Provider:   model.Provider,
		Model:      model.DirectModelID(),
		Credential: endpoint.APIKey,
		BaseURL:    endpoint.BaseURL,
		Timeout:    endpoint.Timeout,
	})
	if err != nil {
		if errors.Is(err, providers.ErrMissingCredential) || errors.Is(err, providers.ErrCredentialExpired) {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return client, nil
}

// probeOrFallback tries one shared short probe and serves this request from
// whichever transport the probe selects.
func (c *Controller) probeOrFallback(ctx context.Context, model types.ModelInfo, d *RoutingDecision) (providers.Client, error) {
	d.reason("proxy degraded and cooldown elapsed, probing")

	recovered, err := c.probe(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("client acquisition cancelled: %w", err)
	}
	if !recovered {
		d.reason("probe failed, staying on fallback")
		return c.fallbackClient(ctx, model, d)
	}

	d.Transport = providers.TransportProxy
	d.Attempt = 1

	cfg, err := c.settings.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}
	client, err := c.proxyClient(ctx, cfg, model)
	if err != nil {
		if classify(ctx, err) == classAuthentication {
			return nil, wrapClass(ErrAuthentication, err)
		}
		return nil, wrapClass(ErrConfiguration, err)
	}

	d.reason("probe succeeded, proxy restored")
	return client, nil
}

// probe runs at most one recovery probe at a time. Callers that arrive while
// one is in flight share its result; a caller that cancels stops waiting
// but does not cancel the probe for the others.
func (c *Controller) probe(ctx context.Context, force bool) (bool, error) {
	key := "probe"
	if force {
		key = "probe-forced"
	}
	ch := c.probes.DoChan(key, func() (any, error) {
		return c.runProbe(context.WithoutCancel(ctx), force), nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Controller) runProbe(ctx context.Context, force bool) bool {
	cfg, err := c.settings.Read(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Recovery probe could not read routing config")
		return false
	}
	if !cfg.Enabled {
		return false
	}
	if !cfg.UseFallback {
		return true
	}
	// Another probe finished between our caller's read and now.
	if !force && !c.cooldownElapsed(cfg) {
		return false
	}

	_, _, err = c.verifiedProxyClient(ctx, probeModel, c.policy.ProbeTimeout)
	now := c.now()

	if err != nil {
		metrics.RecoveryProbes.WithLabelValues("failed").Inc()
		c.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"class": classify(ctx, err).String(),
		}).Info("Recovery probe failed, staying on fallback")

		if _, err := c.settings.Update(ctx, func(rc *settings.RoutingConfig) error {
			rc.LastFailureAt = &now
			return nil
		}); err != nil {
			c.logger.WithError(err).Warn("Failed to restart recovery cooldown")
		}
		return false
	}

	metrics.RecoveryProbes.WithLabelValues("recovered").Inc()
	if _, err := c.settings.Update(ctx, func(rc *settings.RoutingConfig) error {
		rc.UseFallback = false
		rc.ConsecutiveFailures = 0
		return nil
	}); err != nil {
		c.logger.WithError(err).Error("Failed to persist proxy recovery")
		return false
	}
	metrics.SetFallbackActive(false)
	c.logger.Info("Managed proxy recovered")

	if c.onRecovered != nil {
		c.onRecovered()
	}
	return true
}

// CheckRecovery probes the proxy now, ignoring the cooldown. It is a no-op
// unless the controller is degraded.
func (c *Controller) CheckRecovery(ctx context.Context) (State, error) {
	cfg, err := c.settings.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read routing config: %w", err)
	}
	if state := c.stateOf(cfg); state == StateDisabled || state == StateHealthy {
		return state, nil
	}

	recovered, err := c.probe(ctx, true)
	if err != nil {
		return StateDegraded, err
	}
	if !recovered {
		return StateDegraded, fmt.Errorf("%w: proxy did not answer recovery check", ErrRetryableTransport)
	}
	return StateHealthy, nil
}

// State reports the current routing mode.
func (c *Controller) State(ctx context.Context) (State, settings.RoutingConfig, error) {
	cfg, err := c.settings.Read(ctx)
	if err != nil {
		return "", cfg, fmt.Errorf("failed to read routing config: %w", err)
	}
	return c.stateOf(cfg), cfg, nil
}

// SetProxyEnabled is the explicit mode toggle. Every toggle clears the
// fallback flag and the failure counter.
func (c *Controller) SetProxyEnabled(ctx context.Context, enabled bool) (settings.RoutingConfig, error) {
	useFallback := false
	failures := 0

	cfg, err := c.settings.Update(ctx, settings.Patch{
		Enabled:             &enabled,
		UseFallback:         &useFallback,
		ConsecutiveFailures: &failures,
	}.Apply)
	if err != nil {
		return cfg, fmt.Errorf("failed to update routing config: %w", err)
	}

	metrics.SetFallbackActive(false)
	c.logger.WithField("enabled", enabled).Info("Managed proxy toggled")
	return cfg, nil
}

// RefreshFallbackCredentials fetches the current fallback key set, stores
// each key in the secret store and records the handles in one update.
func (c *Controller) RefreshFallbackCredentials(ctx context.Context) (int, error) {
	if c.credentials == nil {
		return 0, fmt.Errorf("%w: no fallback credential source configured", ErrConfiguration)
	}

	creds, err := c.credentials.FetchFallbackCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch fallback credentials: %w", err)
	}

	refs := make(map[string]settings.SecretRef, len(creds.Credentials))
	for provider, value := range creds.Credentials {
		if strings.TrimSpace(value) == "" {
			continue
		}
		ref := settings.FallbackRef(provider)
		if err := c.secrets.Put(ctx, ref, value); err != nil {
			return 0, fmt.Errorf("failed to store fallback credential for %s: %w", provider, err)
		}
		refs[provider] = ref
	}

	var expiresAt *time.Time
	if creds.ExpiresAt != nil {
		t := *creds.ExpiresAt
		expiresAt = &t
	}
	if _, err := c.settings.Update(ctx, func(rc *settings.RoutingConfig) error {
		rc.FallbackCredentials = refs
		rc.FallbackExpiresAt = expiresAt
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to record fallback credentials: %w", err)
	}

	fields := logrus.Fields{"providers": len(refs)}
	if expiresAt != nil {
		fields["expires_at"] = expiresAt.Format(time.RFC3339)
	}
	c.logger.WithFields(fields).Info("Fallback credentials refreshed")
	return len(refs), nil
}

func wrapClass(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
