package secret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/secret/env"
	"github.com/blueberrycongee/msgmux/internal/secret/vault"
)

// Manager routes secret references to providers by URI scheme. A value
// without a scheme resolves to itself, so plain literals keep working.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates an empty secret manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// NewFromConfig builds the resolver used for provider credentials:
// literals pass through, env:// reads the environment, and vault://
// reads HashiCorp Vault when it is enabled. Vault reads are cached so a
// config reload does not hammer the secret store.
func NewFromConfig(cfg config.VaultConfig, logger *slog.Logger) (*Manager, error) {
	m := NewManager()
	m.Register("env", env.New())

	if cfg.Enabled {
		vp, err := vault.New(vault.Config{
			Address:    cfg.Address,
			AuthMethod: cfg.AuthMethod,
			Token:      cfg.Token,
			RoleID:     cfg.RoleID,
			SecretID:   cfg.SecretID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		m.Register("vault", NewCachedProvider(vp, ttl))
	}
	return m, nil
}

// Register binds a provider to a scheme such as "env" or "vault".
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves one secret reference.
func (m *Manager) Get(ctx context.Context, path string) (string, error) {
	scheme, rest, found := strings.Cut(path, "://")
	if !found {
		return path, nil
	}

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}
	return provider.Get(ctx, rest)
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
