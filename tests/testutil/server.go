package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/msgmux/internal/api"
	"github.com/blueberrycongee/msgmux/internal/auth"
	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/dedup"
	"github.com/blueberrycongee/msgmux/internal/health"
	"github.com/blueberrycongee/msgmux/internal/observability"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/internal/proxy"
	"github.com/blueberrycongee/msgmux/internal/route"
	"github.com/blueberrycongee/msgmux/internal/secret"
	"github.com/blueberrycongee/msgmux/internal/translate"
)

// Option adjusts the test server configuration before the stack is wired.
type Option func(*config.Config)

// WithProvider appends an enabled provider with a literal API key.
func WithProvider(name, kind, baseURL string) Option {
	return func(cfg *config.Config) {
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{
			Name:    name,
			Kind:    kind,
			BaseURL: baseURL,
			Auth:    config.AuthConfig{Scheme: config.AuthAPIKey, Value: "sk-test-" + name},
			Enabled: true,
		})
	}
}

// WithRoute appends a model pattern routed to the named providers in
// priority order, passing the client model through unchanged.
func WithRoute(pattern string, providers ...string) Option {
	return func(cfg *config.Config) {
		if cfg.ModelRoutes.Routes == nil {
			cfg.ModelRoutes.Routes = make(map[string][]config.RouteConfig)
		}
		cfg.ModelRoutes.Patterns = append(cfg.ModelRoutes.Patterns, pattern)
		routes := make([]config.RouteConfig, 0, len(providers))
		for i, name := range providers {
			routes = append(routes, config.RouteConfig{
				Provider: name,
				Model:    config.ModelPassthrough,
				Priority: i + 1,
				Enabled:  true,
			})
		}
		cfg.ModelRoutes.Routes[pattern] = routes
	}
}

// WithSettings applies arbitrary tweaks to the settings block.
func WithSettings(fn func(*config.Settings)) Option {
	return func(cfg *config.Config) {
		fn(&cfg.Settings)
	}
}

// memorySource serves a fixed configuration; manual reloads succeed
// without changing anything.
type memorySource struct {
	cfg *config.Config
}

func (s *memorySource) Get() *config.Config { return s.cfg }
func (s *memorySource) Reload() error       { return nil }

// TestServer runs the full proxy stack on a loopback port: registry,
// health tracker, dedup index, selector, orchestrator and HTTP surface
// wired the same way the production entry point wires them.
type TestServer struct {
	cfg      *config.Config
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	baseURL  string
}

// NewTestServer builds a server from defaults plus options. Sticky
// provider routing is off unless a test enables it, so repeated requests
// exercise the configured priority order.
func NewTestServer(opts ...Option) *TestServer {
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Settings.StickyProviderDuration = 0
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())

	registry := provider.NewRegistry(secret.NewManager(), logger)
	registry.Reload(ctx, cfg.Providers)

	tracker := health.NewTracker(health.Options{
		UnhealthyThreshold: cfg.Settings.UnhealthyThreshold,
		FailureCooldown:    cfg.Settings.FailureCooldown,
		ResetOnSuccess:     cfg.Settings.UnhealthyResetOnSuccess,
		ResetTimeout:       cfg.Settings.UnhealthyResetTimeout,
	}, logger)
	go tracker.Run(ctx, time.Second)

	index := dedup.New(dedup.Options{
		Enabled:     cfg.Settings.Deduplication.Enabled,
		GracePeriod: cfg.Settings.Deduplication.SSEErrorCleanupDelay,
		WaitTimeout: cfg.Settings.Timeouts.Caching.DeduplicationTimeout,
	}, logger)

	source := &memorySource{cfg: cfg}
	selector := route.NewSelector(source.Get, registry, tracker)
	orchestrator := proxy.New(source.Get, selector, registry, tracker,
		auth.NewResolver(nil), translate.New(logger), index, logger)

	handler := api.NewHandler(orchestrator, registry, tracker, source, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	return &TestServer{
		cfg:    cfg,
		cancel: cancel,
		server: &http.Server{
			Handler:      observability.RequestIDMiddleware(mux),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
}

// Start listens on a loopback port and blocks until the liveness
// endpoint answers.
func (ts *TestServer) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ts.listener = ln
	ts.baseURL = "http://" + ln.Addr().String()

	go func() {
		if err := ts.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("test server error", "error", err)
		}
	}()

	return ts.waitForReady(5 * time.Second)
}

// Stop shuts the server down and cancels the background workers.
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ts.server.Shutdown(ctx)
	ts.cancel()
}

// URL returns the server's base URL, valid after Start.
func (ts *TestServer) URL() string {
	return ts.baseURL
}

// Config returns the live configuration for in-test adjustments.
func (ts *TestServer) Config() *config.Config {
	return ts.cfg
}

func (ts *TestServer) waitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.baseURL + "/")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server at %s not ready within %s", ts.baseURL, timeout)
}
