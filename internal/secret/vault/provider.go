// Package vault reads secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Provider resolves vault:// secret references.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds connection and authentication settings. TLS material is
// read from the standard VAULT_* environment variables.
type Config struct {
	Address    string
	AuthMethod string // "token", "approle", "cert"
	Token      string
	RoleID     string
	SecretID   string
}

// New creates a Vault provider and authenticates it.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	var login *vault.Secret
	switch cfg.AuthMethod {
	case "token":
		if cfg.Token == "" {
			return nil, fmt.Errorf("vault token auth requires a token")
		}
		client.SetToken(cfg.Token)
		// Externally issued token: its lifecycle is not ours to renew.
		return p, nil
	case "approle":
		login, err = client.Logical().Write("auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	case "cert":
		login, err = client.Logical().Write("auth/cert/login", nil)
	default:
		return nil, fmt.Errorf("unknown vault auth method %q", cfg.AuthMethod)
	}

	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	if login == nil || login.Auth == nil {
		return nil, fmt.Errorf("vault login (%s) returned no auth info", cfg.AuthMethod)
	}

	client.SetToken(login.Auth.ClientToken)

	p.wg.Add(1)
	go p.renewToken(login.Auth)

	return p, nil
}

// Get reads one value. The path is "mount/path/to/secret#key"; a missing
// #key defaults to "value". KV v2 responses are unwrapped transparently.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	key := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]any); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Warn("vault token renewal unavailable", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Warn("vault token renewal ended", "error", err)
			}
			return
		case renewal := <-watcher.RenewCh():
			p.logger.Debug("vault token renewed", "lease", renewal.Secret.LeaseDuration)
		}
	}
}
