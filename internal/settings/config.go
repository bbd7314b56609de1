package settings

import (
	"context"
	"time"
)

// SecretRef is an opaque handle to a credential held by a SecretStore.
type SecretRef string

// RoutingConfig is the persisted routing section of the settings.
//
// UseFallback == true means new requests must not try the proxy until a
// recovery check succeeds. ConsecutiveFailures resets on any successful proxy
// response and on every explicit mode toggle.
type RoutingConfig struct {
	Enabled             bool                 `json:"enabled"`
	BaseURL             string               `json:"base_url,omitempty"`
	Credential          SecretRef            `json:"credential,omitempty"`
	FallbackCredentials map[string]SecretRef `json:"fallback_credentials,omitempty"`
	FallbackExpiresAt   *time.Time           `json:"fallback_expires_at,omitempty"`
	UseFallback         bool                 `json:"use_fallback"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastFailureAt       *time.Time           `json:"last_failure_at,omitempty"`
	HiddenFeatures      []string             `json:"hidden_features,omitempty"`
}

// Clone returns a deep copy.
func (c RoutingConfig) Clone() RoutingConfig {
	out := c
	if c.FallbackCredentials != nil {
		out.FallbackCredentials = make(map[string]SecretRef, len(c.FallbackCredentials))
		for k, v := range c.FallbackCredentials {
			out.FallbackCredentials[k] = v
		}
	}
	if c.FallbackExpiresAt != nil {
		t := *c.FallbackExpiresAt
		out.FallbackExpiresAt = &t
	}
	if c.LastFailureAt != nil {
		t := *c.LastFailureAt
		out.LastFailureAt = &t
	}
	if c.HiddenFeatures != nil {
		out.HiddenFeatures = append([]string(nil), c.HiddenFeatures...)
	}
	return out
}

// FallbackCredential returns the handle for provider. Expired credentials
// count as absent.
func (c RoutingConfig) FallbackCredential(provider string, now time.Time) (SecretRef, bool) {
	if c.FallbackExpiresAt != nil && !now.Before(*c.FallbackExpiresAt) {
		return "", false
	}
	ref, ok := c.FallbackCredentials[provider]
	if !ok || ref == "" {
		return "", false
	}
	return ref, true
}

// Store is the settings contract consumed by the routing layer. Update runs
// mutate against the latest stored value and persists the result atomically;
// concurrent updates never lose each other's writes. If mutate returns an
// error nothing is written.
type Store interface {
	Read(ctx context.Context) (RoutingConfig, error)
	Update(ctx context.Context, mutate func(*RoutingConfig) error) (RoutingConfig, error)
}

// Patch is a partial RoutingConfig; nil fields are left untouched.
type Patch struct {
	Enabled             *bool
	BaseURL             *string
	Credential          *SecretRef
	FallbackCredentials map[string]SecretRef
	FallbackExpiresAt   *time.Time
	UseFallback         *bool
	ConsecutiveFailures *int
	LastFailureAt       *time.Time
}

// Apply merges the patch field by field. It has the signature Store.Update expects.
func (p Patch) Apply(c *RoutingConfig) error {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.BaseURL != nil {
		c.BaseURL = *p.BaseURL
	}
	if p.Credential != nil {
		c.Credential = *p.Credential
	}
	if p.FallbackCredentials != nil {
		c.FallbackCredentials = make(map[string]SecretRef, len(p.FallbackCredentials))
		for k, v := range p.FallbackCredentials {
			c.FallbackCredentials[k] = v
		}
	}
	if p.FallbackExpiresAt != nil {
		t := *p.FallbackExpiresAt
		c.FallbackExpiresAt = &t
	}
	if p.UseFallback != nil {
		c.UseFallback = *p.UseFallback
	}
	if p.ConsecutiveFailures != nil {
		c.ConsecutiveFailures = *p.ConsecutiveFailures
	}
	if p.LastFailureAt != nil {
		t := *p.LastFailureAt
		c.LastFailureAt = &t
	}
	return nil
}

// ApplyProcessConfig overwrites the fields the running process owns (the
// mode toggle, proxy base URL, credential handle and hidden features) with
// process. Resilience state is left as stored. It runs on every start so a
// changed deployment mode takes effect on restart.
func ApplyProcessConfig(ctx context.Context, store Store, process RoutingConfig) (RoutingConfig, error) {
	return store.Update(ctx, func(c *RoutingConfig) error {
		c.Enabled = process.Enabled
		c.BaseURL = process.BaseURL
		c.Credential = process.Credential
		c.HiddenFeatures = append([]string(nil), process.HiddenFeatures...)
		return nil
	})
}
