// Package config loads and validates the balancer configuration and keeps it
// hot-reloadable. It uses fsnotify to watch for file changes and atomic
// pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
)

// Auth schemes.
const (
	AuthAPIKey      = "api_key"
	AuthBearerToken = "bearer_token"
	AuthOAuth       = "oauth"
	AuthPassthrough = "passthrough"
)

// Streaming modes. Auto resolves to pass_through for Anthropic providers and
// collected for OpenAI providers.
const (
	StreamingAuto        = "auto"
	StreamingPassThrough = "pass_through"
	StreamingCollected   = "collected"
)

// Candidate ordering strategies.
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// ModelPassthrough routes forward the client-requested model name unchanged.
const ModelPassthrough = "passthrough"

// Config represents the complete balancer configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Providers   []ProviderConfig `yaml:"providers"`
	ModelRoutes ModelRoutes      `yaml:"model_routes"`
	Settings    Settings         `yaml:"settings"`
	OAuth       OAuthConfig      `yaml:"oauth"`
	Vault       VaultConfig      `yaml:"vault"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Tracing     TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig defines one upstream provider.
type ProviderConfig struct {
	Name          string     `yaml:"name"`
	Kind          string     `yaml:"kind"`
	BaseURL       string     `yaml:"base_url"`
	Auth          AuthConfig `yaml:"auth"`
	ProxyURL      string     `yaml:"proxy_url"`
	StreamingMode string     `yaml:"streaming_mode"`
	Enabled       bool       `yaml:"enabled"`
}

// UnmarshalYAML applies per-provider defaults before decoding.
func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw ProviderConfig
	out := raw{Enabled: true, StreamingMode: StreamingAuto}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = ProviderConfig(out)
	return nil
}

// AuthConfig describes how outbound requests to a provider authenticate.
// Value is a literal secret or a reference (env://NAME, vault://path#field)
// resolved at registry load time.
type AuthConfig struct {
	Scheme string `yaml:"scheme"`
	Value  string `yaml:"value"`
}

// RouteConfig maps one pattern entry to an upstream provider and model.
type RouteConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`
}

// UnmarshalYAML applies per-route defaults before decoding.
func (r *RouteConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw RouteConfig
	out := raw{Model: ModelPassthrough, Enabled: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*r = RouteConfig(out)
	return nil
}

// ModelRoutes maps model patterns to route lists. Document order of the
// patterns is preserved: glob matching walks patterns in the order they
// appear in the file.
type ModelRoutes struct {
	Patterns []string
	Routes   map[string][]RouteConfig
}

// UnmarshalYAML decodes the mapping while recording key order.
func (m *ModelRoutes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("model_routes must be a mapping of pattern to route list")
	}
	m.Patterns = nil
	m.Routes = make(map[string][]RouteConfig, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var pattern string
		if err := value.Content[i].Decode(&pattern); err != nil {
			return err
		}
		var routes []RouteConfig
		if err := value.Content[i+1].Decode(&routes); err != nil {
			return fmt.Errorf("model_routes[%s]: %w", pattern, err)
		}
		if _, dup := m.Routes[pattern]; dup {
			return fmt.Errorf("model_routes: duplicate pattern %q", pattern)
		}
		m.Patterns = append(m.Patterns, pattern)
		m.Routes[pattern] = routes
	}
	return nil
}

// MarshalYAML emits the mapping in recorded pattern order.
func (m ModelRoutes) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, pattern := range m.Patterns {
		key := &yaml.Node{}
		if err := key.Encode(pattern); err != nil {
			return nil, err
		}
		val := &yaml.Node{}
		if err := val.Encode(m.Routes[pattern]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, key, val)
	}
	return node, nil
}

// Get returns the routes for an exact pattern.
func (m *ModelRoutes) Get(pattern string) []RouteConfig {
	return m.Routes[pattern]
}

// Settings holds the routing, health and deduplication knobs.
type Settings struct {
	SelectionStrategy       string          `yaml:"selection_strategy"`
	FailureCooldown         time.Duration   `yaml:"failure_cooldown"`
	UnhealthyThreshold      int             `yaml:"unhealthy_threshold"`
	UnhealthyResetOnSuccess bool            `yaml:"unhealthy_reset_on_success"`
	UnhealthyResetTimeout   time.Duration   `yaml:"unhealthy_reset_timeout"`
	StickyProviderDuration  time.Duration   `yaml:"sticky_provider_duration"`
	FailoverErrorTypes      []string        `yaml:"failover_error_types"`
	FailoverHTTPCodes       []int           `yaml:"failover_http_codes"`
	UnhealthyErrorTypes     []string        `yaml:"unhealthy_error_types"`
	UnhealthyHTTPCodes      []int           `yaml:"unhealthy_http_codes"`
	Timeouts                TimeoutSettings `yaml:"timeouts"`
	Deduplication           DedupSettings   `yaml:"deduplication"`
}

// TimeoutSettings groups the per-phase HTTP timeouts.
type TimeoutSettings struct {
	NonStreaming PhaseTimeouts   `yaml:"non_streaming"`
	Streaming    PhaseTimeouts   `yaml:"streaming"`
	Caching      CachingTimeouts `yaml:"caching"`
}

// PhaseTimeouts are the connect/read/pool timeouts for one request phase.
// The streaming read timeout is an inactivity window, not a total cap.
type PhaseTimeouts struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PoolTimeout    time.Duration `yaml:"pool_timeout"`
}

// CachingTimeouts bound how long duplicate requests wait on the primary.
type CachingTimeouts struct {
	DeduplicationTimeout time.Duration `yaml:"deduplication_timeout"`
}

// DedupSettings controls in-flight request coalescing.
type DedupSettings struct {
	Enabled              bool          `yaml:"enabled"`
	SSEErrorCleanupDelay time.Duration `yaml:"sse_error_cleanup_delay"`
}

// UnmarshalYAML applies dedup defaults before decoding.
func (d *DedupSettings) UnmarshalYAML(value *yaml.Node) error {
	type raw DedupSettings
	out := raw{Enabled: true, SSEErrorCleanupDelay: 3 * time.Second}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*d = DedupSettings(out)
	return nil
}

// OAuthConfig configures the background refresh-token grant for providers
// with auth scheme oauth. The credential fields name environment variables,
// never the secrets themselves.
type OAuthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	TokenURL         string        `yaml:"token_url"`
	ClientIDEnv      string        `yaml:"client_id_env"`
	ClientSecretEnv  string        `yaml:"client_secret_env"`
	RefreshTokenEnv  string        `yaml:"refresh_token_env"`
	RefreshMargin    time.Duration `yaml:"refresh_margin"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	AuthorizationURL string        `yaml:"authorization_url"`
}

// VaultConfig configures the optional vault:// secret reference backend.
type VaultConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Address    string        `yaml:"address"`
	AuthMethod string        `yaml:"auth_method"` // token, approle, cert
	Token      string        `yaml:"token"`
	RoleID     string        `yaml:"role_id"`
	SecretID   string        `yaml:"secret_id"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        9090,
			ReadTimeout: 30 * time.Second,
			// Streaming responses have no total-duration cap; write timeout
			// stays disabled so long SSE sessions are not cut off.
			WriteTimeout:    0,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Settings: Settings{
			SelectionStrategy:       StrategyPriority,
			FailureCooldown:         60 * time.Second,
			UnhealthyThreshold:      2,
			UnhealthyResetOnSuccess: true,
			UnhealthyResetTimeout:   300 * time.Second,
			StickyProviderDuration:  300 * time.Second,
			FailoverErrorTypes: []string{
				"connection_error", "ssl_error", "connect_timeout",
				"read_timeout", "pool_timeout", "internal_server_error",
				"bad_gateway", "service_unavailable", "gateway_timeout",
				"rate_limit", "api_error", "stream_error",
			},
			FailoverHTTPCodes: []int{401, 403, 408, 429, 500, 502, 503, 504, 529},
			UnhealthyErrorTypes: []string{
				"connection_error", "ssl_error", "connect_timeout",
				"read_timeout", "pool_timeout", "internal_server_error",
				"bad_gateway", "service_unavailable", "gateway_timeout",
				"rate_limit", "api_error", "stream_error",
			},
			UnhealthyHTTPCodes: []int{401, 403, 408, 429, 500, 502, 503, 504, 529},
			Timeouts: TimeoutSettings{
				NonStreaming: PhaseTimeouts{
					ConnectTimeout: 30 * time.Second,
					ReadTimeout:    60 * time.Second,
					PoolTimeout:    30 * time.Second,
				},
				Streaming: PhaseTimeouts{
					ConnectTimeout: 30 * time.Second,
					ReadTimeout:    120 * time.Second,
					PoolTimeout:    30 * time.Second,
				},
				Caching: CachingTimeouts{
					DeduplicationTimeout: 300 * time.Second,
				},
			},
			Deduplication: DedupSettings{
				Enabled:              true,
				SSEErrorCleanupDelay: 3 * time.Second,
			},
		},
		OAuth: OAuthConfig{
			RefreshMargin: 5 * time.Minute,
			RetryInterval: time.Hour,
		},
		Vault: VaultConfig{
			AuthMethod: "token",
			CacheTTL:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "msgmux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("provider[%d] %q: duplicate provider name", i, p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case KindAnthropic, KindOpenAI:
		default:
			return fmt.Errorf("provider[%d] %q: invalid kind %q", i, p.Name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider[%d] %q: base_url is required", i, p.Name)
		}
		if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			return fmt.Errorf("provider[%d] %q: base_url must start with http:// or https://", i, p.Name)
		}
		switch p.Auth.Scheme {
		case AuthAPIKey, AuthBearerToken:
			if p.Auth.Value == "" {
				return fmt.Errorf("provider[%d] %q: auth.value is required for scheme %s", i, p.Name, p.Auth.Scheme)
			}
		case AuthOAuth, AuthPassthrough:
		default:
			return fmt.Errorf("provider[%d] %q: invalid auth scheme %q", i, p.Name, p.Auth.Scheme)
		}
		switch p.StreamingMode {
		case StreamingAuto, StreamingPassThrough, StreamingCollected:
		default:
			return fmt.Errorf("provider[%d] %q: invalid streaming_mode %q", i, p.Name, p.StreamingMode)
		}
	}

	if len(c.ModelRoutes.Patterns) == 0 {
		return fmt.Errorf("at least one model route must be configured")
	}
	for _, pattern := range c.ModelRoutes.Patterns {
		routes := c.ModelRoutes.Routes[pattern]
		if len(routes) == 0 {
			return fmt.Errorf("model_routes[%s]: at least one route is required", pattern)
		}
		for j, r := range routes {
			if r.Provider == "" {
				return fmt.Errorf("model_routes[%s][%d]: provider is required", pattern, j)
			}
			if !names[r.Provider] {
				return fmt.Errorf("model_routes[%s][%d]: unknown provider %q", pattern, j, r.Provider)
			}
			if r.Model == "" {
				return fmt.Errorf("model_routes[%s][%d]: model is required", pattern, j)
			}
		}
	}

	switch c.Settings.SelectionStrategy {
	case StrategyPriority, StrategyRoundRobin, StrategyRandom:
	default:
		return fmt.Errorf("invalid selection_strategy %q", c.Settings.SelectionStrategy)
	}
	if c.Settings.UnhealthyThreshold < 1 {
		return fmt.Errorf("unhealthy_threshold must be at least 1")
	}
	if c.Settings.FailureCooldown < 0 {
		return fmt.Errorf("failure_cooldown cannot be negative")
	}
	if c.Settings.UnhealthyResetTimeout < 0 {
		return fmt.Errorf("unhealthy_reset_timeout cannot be negative")
	}
	if c.Settings.StickyProviderDuration < 0 {
		return fmt.Errorf("sticky_provider_duration cannot be negative")
	}
	if c.Settings.Deduplication.SSEErrorCleanupDelay < 0 {
		return fmt.Errorf("deduplication.sse_error_cleanup_delay cannot be negative")
	}

	if c.OAuth.Enabled && c.OAuth.TokenURL == "" {
		return fmt.Errorf("oauth.token_url is required when oauth is enabled")
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("vault.address is required when vault is enabled")
	}

	return nil
}

// TimeoutsFor returns the phase timeouts for a streaming or non-streaming
// request.
func (s *Settings) TimeoutsFor(streaming bool) PhaseTimeouts {
	if streaming {
		return s.Timeouts.Streaming
	}
	return s.Timeouts.NonStreaming
}
