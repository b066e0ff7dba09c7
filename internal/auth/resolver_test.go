package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/pkg/errors"
)

func anthropicProvider(scheme, value string) *provider.Provider {
	return &provider.Provider{
		Name:       "claude-main",
		Kind:       config.KindAnthropic,
		BaseURL:    "https://api.anthropic.com",
		AuthScheme: scheme,
		AuthValue:  value,
		Enabled:    true,
	}
}

func openaiProvider(scheme, value string) *provider.Provider {
	return &provider.Provider{
		Name:       "gpt-backup",
		Kind:       config.KindOpenAI,
		BaseURL:    "https://api.openai.com/v1",
		AuthScheme: scheme,
		AuthValue:  value,
		Enabled:    true,
	}
}

func TestHeadersAPIKey(t *testing.T) {
	r := NewResolver(nil)

	t.Run("anthropic kind", func(t *testing.T) {
		got, err := r.Headers(anthropicProvider(config.AuthAPIKey, "sk-ant"), "claude-sonnet-4", nil)
		require.NoError(t, err)
		assert.Equal(t, "sk-ant", got.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
		assert.Equal(t, "application/json", got.Get("Content-Type"))
		assert.Empty(t, got.Get("Authorization"))
	})

	t.Run("openai kind", func(t *testing.T) {
		got, err := r.Headers(openaiProvider(config.AuthAPIKey, "sk-oai"), "gpt-4o", nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-oai", got.Get("Authorization"))
		assert.Empty(t, got.Get("x-api-key"))
		assert.Empty(t, got.Get("anthropic-version"))
	})
}

func TestHeadersBearerToken(t *testing.T) {
	r := NewResolver(nil)
	got, err := r.Headers(anthropicProvider(config.AuthBearerToken, "tok-123"), "claude-sonnet-4", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", got.Get("Authorization"))
	assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
}

func TestHeadersForwardInboundMinusExcluded(t *testing.T) {
	r := NewResolver(nil)
	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer client-token")
	inbound.Set("x-api-key", "client-key")
	inbound.Set("Host", "proxy.local")
	inbound.Set("Content-Length", "42")
	inbound.Set("Accept-Encoding", "gzip")
	inbound.Set("anthropic-beta", "tools-2024-05-16")
	inbound.Set("User-Agent", "client/1.0")

	got, err := r.Headers(anthropicProvider(config.AuthAPIKey, "sk-ant"), "claude-sonnet-4", inbound)
	require.NoError(t, err)

	assert.Equal(t, "tools-2024-05-16", got.Get("anthropic-beta"))
	assert.Equal(t, "client/1.0", got.Get("User-Agent"))
	assert.Empty(t, got.Get("Host"))
	assert.Empty(t, got.Get("Content-Length"))
	assert.Empty(t, got.Get("Accept-Encoding"))
	// Client credentials must be replaced, not forwarded, for api_key auth.
	assert.Equal(t, "sk-ant", got.Get("x-api-key"))
	assert.Empty(t, got.Get("Authorization"))
}

func TestHeadersPassthrough(t *testing.T) {
	r := NewResolver(nil)
	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer client-token")
	inbound.Set("x-api-key", "client-key")

	got, err := r.Headers(anthropicProvider(config.AuthPassthrough, ""), "claude-sonnet-4", inbound)
	require.NoError(t, err)
	assert.Equal(t, "Bearer client-token", got.Get("Authorization"))
	assert.Equal(t, "client-key", got.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
}

func TestHeadersOAuth(t *testing.T) {
	t.Run("token present", func(t *testing.T) {
		store := &TokenStore{}
		store.Set(&oauth2.Token{AccessToken: "oauth-tok"})
		r := NewResolver(store)

		got, err := r.Headers(anthropicProvider(config.AuthOAuth, ""), "claude-sonnet-4", nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer oauth-tok", got.Get("Authorization"))
		assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
	})

	t.Run("token absent", func(t *testing.T) {
		r := NewResolver(&TokenStore{})
		_, err := r.Headers(anthropicProvider(config.AuthOAuth, ""), "claude-sonnet-4", nil)
		require.Error(t, err)

		pe := errors.AsProxyError(err, "", "")
		assert.Equal(t, errors.KindAuthRequired, pe.Kind)
		assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	})

	t.Run("nil store", func(t *testing.T) {
		r := NewResolver(nil)
		_, err := r.Headers(anthropicProvider(config.AuthOAuth, ""), "claude-sonnet-4", nil)
		require.Error(t, err)
	})
}
