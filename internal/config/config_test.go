package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{
			Name:          "primary",
			Kind:          KindAnthropic,
			BaseURL:       "https://api.anthropic.com",
			Auth:          AuthConfig{Scheme: AuthAPIKey, Value: "sk-test"},
			StreamingMode: StreamingAuto,
			Enabled:       true,
		},
	}
	cfg.ModelRoutes = ModelRoutes{
		Patterns: []string{"claude-*"},
		Routes: map[string][]RouteConfig{
			"claude-*": {{Provider: "primary", Model: ModelPassthrough, Priority: 1, Enabled: true}},
		},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 9090 {
		t.Errorf("default port = %d, want 9090", cfg.Server.Port)
	}

	if cfg.Settings.SelectionStrategy != StrategyPriority {
		t.Errorf("default strategy = %s, want priority", cfg.Settings.SelectionStrategy)
	}

	if cfg.Settings.UnhealthyThreshold != 2 {
		t.Errorf("default unhealthy_threshold = %d, want 2", cfg.Settings.UnhealthyThreshold)
	}

	if cfg.Settings.FailureCooldown != 60*time.Second {
		t.Errorf("default failure_cooldown = %v, want 60s", cfg.Settings.FailureCooldown)
	}

	if cfg.Settings.Timeouts.Streaming.ReadTimeout != 120*time.Second {
		t.Errorf("default streaming read_timeout = %v, want 120s", cfg.Settings.Timeouts.Streaming.ReadTimeout)
	}

	if !cfg.Settings.Deduplication.Enabled {
		t.Error("deduplication should be enabled by default")
	}

	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "invalid port zero",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid port too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantErr: true,
		},
		{
			name:    "provider missing name",
			mutate:  func(c *Config) { c.Providers[0].Name = "" },
			wantErr: true,
		},
		{
			name: "duplicate provider name",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantErr: true,
		},
		{
			name:    "invalid kind",
			mutate:  func(c *Config) { c.Providers[0].Kind = "gemini" },
			wantErr: true,
		},
		{
			name:    "missing base_url",
			mutate:  func(c *Config) { c.Providers[0].BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "base_url without scheme",
			mutate:  func(c *Config) { c.Providers[0].BaseURL = "api.anthropic.com" },
			wantErr: true,
		},
		{
			name:    "api_key scheme without value",
			mutate:  func(c *Config) { c.Providers[0].Auth.Value = "" },
			wantErr: true,
		},
		{
			name: "oauth scheme allows empty value",
			mutate: func(c *Config) {
				c.Providers[0].Auth = AuthConfig{Scheme: AuthOAuth}
			},
			wantErr: false,
		},
		{
			name: "passthrough scheme allows empty value",
			mutate: func(c *Config) {
				c.Providers[0].Auth = AuthConfig{Scheme: AuthPassthrough}
			},
			wantErr: false,
		},
		{
			name:    "invalid auth scheme",
			mutate:  func(c *Config) { c.Providers[0].Auth.Scheme = "basic" },
			wantErr: true,
		},
		{
			name:    "invalid streaming mode",
			mutate:  func(c *Config) { c.Providers[0].StreamingMode = "bulk" },
			wantErr: true,
		},
		{
			name:    "no model routes",
			mutate:  func(c *Config) { c.ModelRoutes = ModelRoutes{} },
			wantErr: true,
		},
		{
			name: "route names unknown provider",
			mutate: func(c *Config) {
				c.ModelRoutes.Routes["claude-*"][0].Provider = "ghost"
			},
			wantErr: true,
		},
		{
			name:    "invalid strategy",
			mutate:  func(c *Config) { c.Settings.SelectionStrategy = "fastest" },
			wantErr: true,
		},
		{
			name:    "zero unhealthy threshold",
			mutate:  func(c *Config) { c.Settings.UnhealthyThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "negative cooldown",
			mutate:  func(c *Config) { c.Settings.FailureCooldown = -time.Second },
			wantErr: true,
		},
		{
			name:    "oauth enabled without token_url",
			mutate:  func(c *Config) { c.OAuth.Enabled = true },
			wantErr: true,
		},
		{
			name:    "vault enabled without address",
			mutate:  func(c *Config) { c.Vault.Enabled = true },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("valid yaml", func(t *testing.T) {
		content := `
server:
  port: 9191
  read_timeout: 10s
providers:
  - name: anthropic-main
    kind: anthropic
    base_url: https://api.anthropic.com
    auth:
      scheme: api_key
      value: sk-test
  - name: openai-backup
    kind: openai
    base_url: https://api.openai.com/v1
    auth:
      scheme: api_key
      value: sk-other
    enabled: false
model_routes:
  claude-3-5-haiku-20241022:
    - provider: anthropic-main
      priority: 1
  claude-*:
    - provider: anthropic-main
      priority: 1
    - provider: openai-backup
      model: gpt-4o-mini
      priority: 2
  "*":
    - provider: anthropic-main
settings:
  selection_strategy: round_robin
  failure_cooldown: 30s
  timeouts:
    streaming:
      read_timeout: 90s
`
		path := createTempFile(t, content)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}

		if cfg.Server.Port != 9191 {
			t.Errorf("port = %d, want 9191", cfg.Server.Port)
		}
		if cfg.Server.ReadTimeout != 10*time.Second {
			t.Errorf("read_timeout = %v, want 10s", cfg.Server.ReadTimeout)
		}

		if len(cfg.Providers) != 2 {
			t.Fatalf("providers count = %d, want 2", len(cfg.Providers))
		}
		if !cfg.Providers[0].Enabled {
			t.Error("enabled should default to true")
		}
		if cfg.Providers[0].StreamingMode != StreamingAuto {
			t.Errorf("streaming_mode = %s, want auto", cfg.Providers[0].StreamingMode)
		}
		if cfg.Providers[1].Enabled {
			t.Error("explicit enabled: false should stick")
		}

		wantOrder := []string{"claude-3-5-haiku-20241022", "claude-*", "*"}
		if len(cfg.ModelRoutes.Patterns) != len(wantOrder) {
			t.Fatalf("patterns = %v, want %v", cfg.ModelRoutes.Patterns, wantOrder)
		}
		for i, p := range wantOrder {
			if cfg.ModelRoutes.Patterns[i] != p {
				t.Errorf("patterns[%d] = %s, want %s", i, cfg.ModelRoutes.Patterns[i], p)
			}
		}

		routes := cfg.ModelRoutes.Get("claude-*")
		if len(routes) != 2 {
			t.Fatalf("claude-* routes = %d, want 2", len(routes))
		}
		if routes[0].Model != ModelPassthrough {
			t.Errorf("route model should default to passthrough, got %s", routes[0].Model)
		}
		if routes[1].Model != "gpt-4o-mini" {
			t.Errorf("route model = %s, want gpt-4o-mini", routes[1].Model)
		}
		if !routes[0].Enabled {
			t.Error("route enabled should default to true")
		}

		if cfg.Settings.SelectionStrategy != StrategyRoundRobin {
			t.Errorf("strategy = %s, want round_robin", cfg.Settings.SelectionStrategy)
		}
		if cfg.Settings.FailureCooldown != 30*time.Second {
			t.Errorf("failure_cooldown = %v, want 30s", cfg.Settings.FailureCooldown)
		}
		// Partial timeout overrides keep the other phase defaults.
		if cfg.Settings.Timeouts.Streaming.ReadTimeout != 90*time.Second {
			t.Errorf("streaming read_timeout = %v, want 90s", cfg.Settings.Timeouts.Streaming.ReadTimeout)
		}
		if cfg.Settings.Timeouts.NonStreaming.ReadTimeout != 60*time.Second {
			t.Errorf("non_streaming read_timeout = %v, want default 60s", cfg.Settings.Timeouts.NonStreaming.ReadTimeout)
		}
	})

	t.Run("environment variable expansion", func(t *testing.T) {
		os.Setenv("TEST_API_KEY", "secret-key-123")
		defer os.Unsetenv("TEST_API_KEY")

		content := `
providers:
  - name: anthropic-main
    kind: anthropic
    base_url: https://api.anthropic.com
    auth:
      scheme: api_key
      value: ${TEST_API_KEY}
model_routes:
  "*":
    - provider: anthropic-main
`
		path := createTempFile(t, content)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}

		if cfg.Providers[0].Auth.Value != "secret-key-123" {
			t.Errorf("auth value = %s, want secret-key-123", cfg.Providers[0].Auth.Value)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := LoadFromFile("/nonexistent/path/config.yaml")
		if err == nil {
			t.Error("expected error for nonexistent file")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		content := `
server:
  port: [invalid
`
		path := createTempFile(t, content)

		_, err := LoadFromFile(path)
		if err == nil {
			t.Error("expected error for invalid yaml")
		}
	})

	t.Run("duplicate route pattern", func(t *testing.T) {
		content := `
providers:
  - name: anthropic-main
    kind: anthropic
    base_url: https://api.anthropic.com
    auth:
      scheme: api_key
      value: sk
model_routes:
  claude-*:
    - provider: anthropic-main
  claude-*:
    - provider: anthropic-main
`
		path := createTempFile(t, content)

		_, err := LoadFromFile(path)
		if err == nil {
			t.Error("expected error for duplicate pattern")
		}
	})
}

func TestTimeoutsFor(t *testing.T) {
	s := DefaultConfig().Settings

	if got := s.TimeoutsFor(true).ReadTimeout; got != 120*time.Second {
		t.Errorf("streaming read timeout = %v, want 120s", got)
	}
	if got := s.TimeoutsFor(false).ReadTimeout; got != 60*time.Second {
		t.Errorf("non-streaming read timeout = %v, want 60s", got)
	}
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
