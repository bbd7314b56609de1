package visibility

import (
	"slices"

	"github.com/tributary-ai/llm-proxy-router/internal/settings"
)

// Key identifies a UI capability that may be hidden.
type Key string

const (
	DirectProviderConfig Key = "direct-provider-config"
	APIKeyEntry          Key = "api-key-entry"
	ProviderSetupPrompt  Key = "provider-setup-prompt"
	ModelPicker          Key = "model-picker"
	ProxyStatus          Key = "proxy-status"
)

var allKeys = []Key{
	DirectProviderConfig,
	APIKeyEntry,
	ProviderSetupPrompt,
	ModelPicker,
	ProxyStatus,
}

// Keys returns every known key in a stable order.
func Keys() []Key {
	return slices.Clone(allKeys)
}

// Valid reports whether k is a known key.
func Valid(k Key) bool {
	return slices.Contains(allKeys, k)
}

// IsHidden reports whether key must be hidden for cfg. It reads only the
// configuration intent (Enabled and HiddenFeatures); the live fallback state
// never changes the answer, so a proxy outage does not flicker the UI.
func IsHidden(key Key, cfg settings.RoutingConfig) bool {
	if slices.Contains(cfg.HiddenFeatures, string(key)) {
		return true
	}

	switch key {
	case DirectProviderConfig, APIKeyEntry, ProviderSetupPrompt:
		return cfg.Enabled
	case ProxyStatus:
		return !cfg.Enabled
	default:
		return false
	}
}

// Hidden returns the keys hidden for cfg.
func Hidden(cfg settings.RoutingConfig) []Key {
	var out []Key
	for _, k := range allKeys {
		if IsHidden(k, cfg) {
			out = append(out, k)
		}
	}
	return out
}

// Snapshot maps every key to its hidden flag.
func Snapshot(cfg settings.RoutingConfig) map[Key]bool {
	out := make(map[Key]bool, len(allKeys))
	for _, k := range allKeys {
		out[k] = IsHidden(k, cfg)
	}
	return out
}
