package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
	"github.com/tributary-ai/llm-proxy-router/internal/routing"
	"github.com/tributary-ai/llm-proxy-router/internal/scheduler"
	"github.com/tributary-ai/llm-proxy-router/internal/server"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Routing      RoutingConfig      `yaml:"routing"`
	Distribution DistributionConfig `yaml:"distribution"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Models       []types.ModelInfo  `yaml:"models"`
	Storage      StorageConfig      `yaml:"storage"`
	Secrets      SecretsConfig      `yaml:"secrets"`
	Sync         SyncConfig         `yaml:"sync"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             string        `yaml:"port"`
	APIToken         string        `yaml:"api_token"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
	ValidateRequests bool          `yaml:"validate_requests"`
}

// RoutingConfig holds the proxy retry policy
type RoutingConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	Cooldown       time.Duration `yaml:"cooldown"`
	// ProxyTimeout bounds a single inference call on the proxy client.
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
}

// DistributionConfig describes the managed-proxy build. Enabled and ProxyURL
// are fixed at process start.
type DistributionConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ProxyURL        string   `yaml:"proxy_url"`
	ProxyCredential string   `yaml:"proxy_credential"`
	HiddenFeatures  []string `yaml:"hidden_features"`
}

// ProvidersConfig holds direct access configuration per provider
type ProvidersConfig struct {
	OpenAI    *ProviderConfig `yaml:"openai"`
	Anthropic *ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures direct access to one provider. APIKey is only
// used outside distribution mode.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds the local database location
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SecretsConfig holds the secrets file location. An empty path keeps
// secrets in memory only.
type SecretsConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds ledger sync and credential refresh settings
type SyncConfig struct {
	Schedule        string        `yaml:"schedule"`
	RefreshSchedule string        `yaml:"credential_refresh_schedule"`
	RefreshWindow   time.Duration `yaml:"credential_refresh_window"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	Timeout         time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:             "8080",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     120 * time.Second,
		MaxHeaderBytes:   1 << 20, // 1MB
		ValidateRequests: true,
	}

	policy := routing.DefaultRetryPolicy()
	c.Routing = RoutingConfig{
		MaxAttempts:    policy.MaxAttempts,
		BaseDelay:      policy.BaseDelay,
		MaxDelay:       policy.MaxDelay,
		AttemptTimeout: policy.AttemptTimeout,
		ProbeTimeout:   policy.ProbeTimeout,
		Cooldown:       policy.Cooldown,
		ProxyTimeout:   120 * time.Second,
	}

	c.Distribution = DistributionConfig{
		Enabled:         false,
		ProxyCredential: "env:LLM_PROXY_API_KEY",
	}

	c.Providers = ProvidersConfig{
		OpenAI:    &ProviderConfig{Timeout: 120 * time.Second},
		Anthropic: &ProviderConfig{Timeout: 120 * time.Second},
	}

	c.Models = []types.ModelInfo{
		{
			Name:             "gpt-4o",
			Provider:         "openai",
			DisplayName:      "GPT-4o",
			MaxContextWindow: 128000,
			MaxOutputTokens:  4096,
		},
		{
			Name:             "gpt-4o-mini",
			Provider:         "openai",
			DisplayName:      "GPT-4o mini",
			MaxContextWindow: 128000,
			MaxOutputTokens:  16384,
		},
		{
			Name:             "claude-3-5-sonnet",
			Provider:         "anthropic",
			ProviderModelID:  "claude-3-5-sonnet-20241022",
			DisplayName:      "Claude 3.5 Sonnet",
			MaxContextWindow: 200000,
			MaxOutputTokens:  8192,
		},
		{
			Name:             "claude-3-haiku",
			Provider:         "anthropic",
			ProviderModelID:  "claude-3-haiku-20240307",
			DisplayName:      "Claude 3 Haiku",
			MaxContextWindow: 200000,
			MaxOutputTokens:  4096,
		},
	}

	c.Storage = StorageConfig{Path: "data/llm-proxy-router.db"}

	c.Sync = SyncConfig{
		Schedule:        "@every 1m",
		RefreshSchedule: "@every 15m",
		RefreshWindow:   time.Hour,
		BatchSize:       100,
		Concurrency:     4,
		Timeout:         30 * time.Second,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	// Distribution mode is decided once at startup
	if v := os.Getenv("LLM_PROXY_DISTRIBUTION"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LLM_PROXY_DISTRIBUTION: %w", err)
		}
		c.Distribution.Enabled = enabled
	}
	if proxyURL := os.Getenv("LLM_PROXY_URL"); proxyURL != "" {
		c.Distribution.ProxyURL = proxyURL
	}

	if port := os.Getenv("LLM_PROXY_PORT"); port != "" {
		c.Server.Port = port
	}
	if dbPath := os.Getenv("LLM_PROXY_DB_PATH"); dbPath != "" {
		c.Storage.Path = dbPath
	}

	// Provider API keys
	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &ProviderConfig{}
		}
		c.Providers.OpenAI.APIKey = openaiKey
	}
	if anthropicKey := os.Getenv("ANTHROPIC_API_KEY"); anthropicKey != "" {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &ProviderConfig{}
		}
		c.Providers.Anthropic.APIKey = anthropicKey
	}

	// Logging configuration
	if level := os.Getenv("LLM_PROXY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LLM_PROXY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if err := c.ToRetryPolicy().Validate(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("invalid model catalog: %w", err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if c.Sync.BatchSize < 0 || c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync batch_size and concurrency cannot be negative")
	}

	return nil
}

// ToRetryPolicy converts the routing section to a retry policy
func (c *Config) ToRetryPolicy() routing.RetryPolicy {
	return routing.RetryPolicy{
		MaxAttempts:    c.Routing.MaxAttempts,
		BaseDelay:      c.Routing.BaseDelay,
		MaxDelay:       c.Routing.MaxDelay,
		AttemptTimeout: c.Routing.AttemptTimeout,
		ProbeTimeout:   c.Routing.ProbeTimeout,
		Cooldown:       c.Routing.Cooldown,
	}
}

// Catalog builds the logical model catalog
func (c *Config) Catalog() (*types.Catalog, error) {
	return types.NewCatalog(c.Models)
}

// ProviderEndpoints converts the providers section for the routing controller
func (c *Config) ProviderEndpoints() map[string]routing.ProviderEndpoint {
	endpoints := make(map[string]routing.ProviderEndpoint)
	add := func(name string, p *ProviderConfig) {
		if p == nil {
			return
		}
		endpoints[name] = routing.ProviderEndpoint{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Timeout: p.Timeout,
		}
	}
	add("openai", c.Providers.OpenAI)
	add("anthropic", c.Providers.Anthropic)
	return endpoints
}

// SeedRoutingConfig is the process-owned part of the routing config. It is
// reapplied on every start; outside distribution mode the proxy is off.
func (c *Config) SeedRoutingConfig() settings.RoutingConfig {
	if !c.Distribution.Enabled {
		return settings.RoutingConfig{Enabled: false}
	}
	return settings.RoutingConfig{
		Enabled:        true,
		BaseURL:        strings.TrimSpace(c.Distribution.ProxyURL),
		Credential:     settings.SecretRef(c.Distribution.ProxyCredential),
		HiddenFeatures: c.Distribution.HiddenFeatures,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:             c.Server.Port,
		APIToken:         c.Server.APIToken,
		ReadTimeout:      c.Server.ReadTimeout,
		WriteTimeout:     c.Server.WriteTimeout,
		MaxHeaderBytes:   c.Server.MaxHeaderBytes,
		ValidateRequests: c.Server.ValidateRequests,
	}
}

// ToSyncerConfig converts to ledger.SyncerConfig
func (c *Config) ToSyncerConfig() ledger.SyncerConfig {
	return ledger.SyncerConfig{
		BatchSize:   c.Sync.BatchSize,
		Concurrency: c.Sync.Concurrency,
	}
}

// ToSchedulerConfig converts to scheduler.Config. Credential refresh only
// runs in distribution mode.
func (c *Config) ToSchedulerConfig() scheduler.Config {
	cfg := scheduler.Config{
		SyncSchedule:  c.Sync.Schedule,
		RefreshWindow: c.Sync.RefreshWindow,
		JobTimeout:    c.Sync.Timeout,
	}
	if c.Distribution.Enabled {
		cfg.RefreshSchedule = c.Sync.RefreshSchedule
	}
	return cfg
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns providers that have a standard API key
func (c *Config) GetEnabledProviders() []string {
	var providers []string

	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		providers = append(providers, "openai")
	}

	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		providers = append(providers, "anthropic")
	}

	return providers
}
