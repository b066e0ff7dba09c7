// Package auth builds the outbound header set for each upstream attempt and
// maintains the shared OAuth access token. Inbound headers are forwarded
// minus the hop and credential headers, then the provider's auth scheme
// decides which credentials replace them.
package auth

import (
	"net/http"
	"strings"

	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/pkg/errors"
)

const anthropicVersion = "2023-06-01"

// excludedHeaders are stripped from the inbound request before forwarding.
// Credentials are replaced per scheme; host and content-length belong to the
// outbound transport; accept-encoding is dropped so the transport negotiates
// compression it can decode itself.
var excludedHeaders = map[string]bool{
	"authorization":   true,
	"x-api-key":       true,
	"host":            true,
	"content-length":  true,
	"accept-encoding": true,
}

// Resolver builds per-attempt outbound headers.
type Resolver struct {
	tokens *TokenStore
}

// NewResolver creates a resolver. tokens may be nil when no OAuth providers
// are configured.
func NewResolver(tokens *TokenStore) *Resolver {
	return &Resolver{tokens: tokens}
}

// Headers returns the outbound header set for one attempt against p.
// Headers are rebuilt from scratch on every attempt: failover must never
// leak one provider's credentials to another.
func (r *Resolver) Headers(p *provider.Provider, model string, inbound http.Header) (http.Header, error) {
	out := make(http.Header)
	out.Set("Content-Type", "application/json")

	for key, values := range inbound {
		if excludedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}

	switch p.AuthScheme {
	case config.AuthPassthrough:
		copyCredentials(out, inbound)
		if p.IsAnthropic() {
			out.Set("anthropic-version", anthropicVersion)
		}
	case config.AuthOAuth:
		token, ok := r.currentToken()
		if !ok {
			return nil, errors.NewAuthRequiredError(p.Name, model, "OAuth token not available")
		}
		out.Set("Authorization", "Bearer "+token)
		if p.IsAnthropic() {
			out.Set("anthropic-version", anthropicVersion)
		}
	case config.AuthAPIKey:
		if p.IsAnthropic() {
			out.Set("x-api-key", p.AuthValue)
			out.Set("anthropic-version", anthropicVersion)
		} else {
			out.Set("Authorization", "Bearer "+p.AuthValue)
		}
	case config.AuthBearerToken:
		out.Set("Authorization", "Bearer "+p.AuthValue)
		if p.IsAnthropic() {
			out.Set("anthropic-version", anthropicVersion)
		}
	}

	return out, nil
}

func (r *Resolver) currentToken() (string, bool) {
	if r.tokens == nil {
		return "", false
	}
	return r.tokens.Current()
}

func copyCredentials(out http.Header, inbound http.Header) {
	if v := inbound.Get("Authorization"); v != "" {
		out.Set("Authorization", v)
	}
	if v := inbound.Get("x-api-key"); v != "" {
		out.Set("x-api-key", v)
	}
}
