package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/admission"
	"github.com/dgnsrekt/feedrelay/internal/config"
	"github.com/dgnsrekt/feedrelay/internal/publish"
	"github.com/dgnsrekt/feedrelay/internal/server"
	"github.com/dgnsrekt/feedrelay/internal/telemetry"
	"github.com/dgnsrekt/feedrelay/internal/timeline"
	"github.com/dgnsrekt/feedrelay/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load config
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Setup logger
	logger, err := cfg.Logging.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("instance", cfg.Server.InstanceID),
		zap.String("store", string(cfg.Store.Driver)),
		zap.String("cache", string(cfg.Cache.Backend)),
		zap.String("bus", string(cfg.Bus.Transport)),
		zap.Int("maxConnections", cfg.Realtime.MaxConnections),
		zap.Int("maxConnectionsPerIP", cfg.Realtime.MaxConnectionsPerIP),
		zap.Strings("allowedOrigins", cfg.Realtime.AllowedOrigins),
	)

	// Create context for background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, "feedrelay", cfg.Server.InstanceID)
	if err != nil {
		logger.Error("failed to set up tracing", zap.Error(err))
		return 1
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	deps, err := openDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open dependencies", zap.Error(err))
		return 1
	}
	defer deps.Close()

	cache := timeline.NewCache(deps.sortedSet, timeline.CacheOptions{
		Name:            "public",
		Window:          cfg.Cache.Window,
		OverfetchFactor: cfg.Cache.OverfetchFactor,
		OverfetchCap:    cfg.Cache.OverfetchCap,
	}, logger)
	reader := timeline.NewReader(cache, deps.store, logger)

	if cache.Enabled() {
		warmer := timeline.NewWarmer(cache, deps.store, cfg.Cache.WarmInterval, logger)
		go warmer.Run(ctx)
	}

	limiter := admission.New(cfg.Realtime.MaxConnections, cfg.Realtime.MaxConnectionsPerIP)
	hub := ws.NewHub(limiter, cfg.Realtime.SendBuffer, logger)

	remote, err := deps.bus.Subscribe(ctx)
	if err != nil {
		logger.Error("failed to subscribe to bus", zap.Error(err))
		return 1
	}
	go hub.Run(ctx, remote)

	publisher := publish.New(hub, deps.bus, logger, publish.WithTimeline(cache))

	resolver, err := newResolver(cfg.Session)
	if err != nil {
		logger.Error("failed to create session resolver", zap.Error(err))
		return 1
	}

	wsHandler := ws.NewHandler(hub, limiter, resolver, ws.HandlerConfig{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		SessionCookie:  cfg.Session.Cookie,
		UpgradeRate:    cfg.Realtime.UpgradeRate,
		UpgradeBurst:   cfg.Realtime.UpgradeBurst,
	}, logger)

	srv := server.NewServer(reader, publisher, hub, limiter, server.Config{
		AllowedOrigins:    cfg.Realtime.AllowedOrigins,
		PublishToken:      cfg.Server.PublishToken,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		InstanceID:        cfg.Server.InstanceID,
		CacheBackend:      string(cfg.Cache.Backend),
		BusTransport:      string(cfg.Bus.Transport),
	}, logger)

	// Create router
	router, err := server.NewRouter(srv, wsHandler, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// Setup HTTP server. No WriteTimeout: it would cut hijacked connections.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("shutting down server...", zap.String("signal", sig.String()))
	case err := <-serveErr:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Close realtime connections first, bounded by the grace period
	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	if err := hub.Shutdown(graceCtx); err != nil {
		logger.Warn("realtime connections still open after grace period", zap.Error(err))
	}
	graceCancel()

	// Stop the warmer and the bus subscription
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return exitCode
}
