package provider

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/blueberrycongee/msgmux/internal/config"
)

// SecretResolver resolves credential references (env://NAME, vault://path)
// into secret values. Literal values pass through unchanged.
type SecretResolver interface {
	Get(ctx context.Context, path string) (string, error)
}

// snapshot is one immutable generation of the provider set. providers keeps
// configuration order, which the route selector relies on for deterministic
// candidate expansion.
type snapshot struct {
	providers []*Provider
	byName    map[string]*Provider
}

// Registry publishes the current provider set. Reads are lock-free; Reload
// builds a complete new snapshot and swaps the pointer.
type Registry struct {
	current atomic.Pointer[snapshot]
	secrets SecretResolver
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Call Reload to populate it.
func NewRegistry(secrets SecretResolver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{secrets: secrets, logger: logger}
	r.current.Store(&snapshot{byName: make(map[string]*Provider)})
	return r
}

// Reload rebuilds the provider set from configuration and publishes it.
// A provider whose credential reference fails to resolve is disabled and
// logged instead of failing the whole reload, so one bad secret cannot take
// down every other upstream on a config change.
func (r *Registry) Reload(ctx context.Context, cfgs []config.ProviderConfig) {
	snap := &snapshot{
		providers: make([]*Provider, 0, len(cfgs)),
		byName:    make(map[string]*Provider, len(cfgs)),
	}
	for _, pc := range cfgs {
		p := &Provider{
			Name:          pc.Name,
			Kind:          pc.Kind,
			BaseURL:       strings.TrimRight(pc.BaseURL, "/"),
			AuthScheme:    pc.Auth.Scheme,
			ProxyURL:      pc.ProxyURL,
			StreamingMode: resolveStreamingMode(pc),
			Enabled:       pc.Enabled,
		}
		switch pc.Auth.Scheme {
		case config.AuthAPIKey, config.AuthBearerToken:
			value, err := r.secrets.Get(ctx, pc.Auth.Value)
			if err != nil {
				r.logger.Error("failed to resolve provider credential, disabling provider",
					"provider", pc.Name,
					"error", err,
				)
				p.Enabled = false
			} else {
				p.AuthValue = value
			}
		}
		snap.providers = append(snap.providers, p)
		snap.byName[p.Name] = p
	}
	r.current.Store(snap)
	r.logger.Info("provider registry loaded",
		"providers", len(snap.providers),
		"enabled", len(snap.enabled()),
	)
}

// List returns the enabled providers in configuration order.
func (r *Registry) List() []*Provider {
	return r.current.Load().enabled()
}

// All returns every configured provider, including disabled ones. Used by
// the admin listing.
func (r *Registry) All() []*Provider {
	return r.current.Load().providers
}

// ByName returns the named provider if it exists and is enabled.
func (r *Registry) ByName(name string) (*Provider, bool) {
	p, ok := r.current.Load().byName[name]
	if !ok || !p.Enabled {
		return nil, false
	}
	return p, true
}

func (s *snapshot) enabled() []*Provider {
	out := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
