// Package main is the entry point for the msgmux proxy server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/msgmux/internal/api"
	"github.com/blueberrycongee/msgmux/internal/auth"
	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/dedup"
	"github.com/blueberrycongee/msgmux/internal/health"
	"github.com/blueberrycongee/msgmux/internal/metrics"
	"github.com/blueberrycongee/msgmux/internal/observability"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/internal/proxy"
	"github.com/blueberrycongee/msgmux/internal/route"
	"github.com/blueberrycongee/msgmux/internal/secret"
	"github.com/blueberrycongee/msgmux/internal/translate"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is built.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	manager, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := manager.Get()

	logger = observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting msgmux proxy", "version", api.Version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	secrets, err := secret.NewFromConfig(cfg.Vault, logger)
	if err != nil {
		logger.Error("failed to initialize secret resolver", "error", err)
		os.Exit(1)
	}

	registry := provider.NewRegistry(secrets, logger)
	registry.Reload(ctx, cfg.Providers)

	tracker := health.NewTracker(trackerOptions(cfg), logger)
	go tracker.Run(ctx, 30*time.Second)

	manager.OnChange(func(next *config.Config) {
		registry.Reload(ctx, next.Providers)
		tracker.SetOptions(trackerOptions(next))
		metrics.RecordConfigReload(nil)
	})
	if err := manager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	tokens := &auth.TokenStore{}
	if cfg.OAuth.Enabled {
		refresher := auth.NewRefresher(cfg.OAuth, tokens, nil, logger)
		go refresher.Run(ctx)
	}

	index := dedup.New(dedup.Options{
		Enabled:     cfg.Settings.Deduplication.Enabled,
		GracePeriod: cfg.Settings.Deduplication.SSEErrorCleanupDelay,
		WaitTimeout: cfg.Settings.Timeouts.Caching.DeduplicationTimeout,
	}, logger)

	selector := route.NewSelector(manager.Get, registry, tracker)
	orchestrator := proxy.New(manager.Get, selector, registry, tracker,
		auth.NewResolver(tokens), translate.New(logger), index, logger)

	handler := api.NewHandler(orchestrator, registry, tracker, manager, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var root http.Handler = mux
	if cfg.Tracing.Enabled {
		root = tp.Middleware(root)
	}
	root = observability.RequestIDMiddleware(root)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	if err := secrets.Close(); err != nil {
		logger.Error("secret resolver close error", "error", err)
	}
	_ = manager.Close()
	logger.Info("server stopped")
}

func trackerOptions(cfg *config.Config) health.Options {
	return health.Options{
		UnhealthyThreshold: cfg.Settings.UnhealthyThreshold,
		FailureCooldown:    cfg.Settings.FailureCooldown,
		ResetOnSuccess:     cfg.Settings.UnhealthyResetOnSuccess,
		ResetTimeout:       cfg.Settings.UnhealthyResetTimeout,
	}
}
