// Package provider maintains the live set of upstream providers. Providers
// are built from configuration with auth secret references resolved through
// the secret manager, and published as an immutable snapshot that is swapped
// atomically on reload.
package provider

import (
	"strings"

	"github.com/blueberrycongee/msgmux/internal/config"
)

// Provider is one resolved upstream endpoint. The struct is immutable after
// registry load; reloads publish fresh instances.
type Provider struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	BaseURL string `json:"base_url"`

	// AuthScheme is one of the config auth scheme constants. AuthValue holds
	// the resolved credential for api_key and bearer_token schemes and is
	// empty for oauth and passthrough.
	AuthScheme string `json:"auth_scheme"`
	AuthValue  string `json:"-"`

	// ProxyURL routes outbound requests through an HTTP proxy when set.
	ProxyURL string `json:"proxy_url,omitempty"`

	// StreamingMode is resolved at load time: pass_through relays upstream
	// SSE bytes unchanged, collected consumes upstream chunks and re-emits
	// translated events.
	StreamingMode string `json:"streaming_mode"`

	Enabled bool `json:"enabled"`
}

// IsAnthropic reports whether the provider speaks the Anthropic Messages API
// natively.
func (p *Provider) IsAnthropic() bool {
	return p.Kind == config.KindAnthropic
}

// RequestURL returns the chat endpoint for the provider's native protocol.
func (p *Provider) RequestURL() string {
	if p.Kind == config.KindOpenAI {
		return p.EndpointURL("chat/completions")
	}
	return p.EndpointURL("v1/messages")
}

// EndpointURL joins the base URL and an endpoint path with exactly one slash
// between them.
func (p *Provider) EndpointURL(endpoint string) string {
	return strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// resolveStreamingMode maps the auto mode to the kind's native relay mode.
func resolveStreamingMode(cfg config.ProviderConfig) string {
	if cfg.StreamingMode != config.StreamingAuto && cfg.StreamingMode != "" {
		return cfg.StreamingMode
	}
	if cfg.Kind == config.KindOpenAI {
		return config.StreamingCollected
	}
	return config.StreamingPassThrough
}
