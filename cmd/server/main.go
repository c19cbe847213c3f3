package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/classla/ide-orchestrator/internal/api"
	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/database"
	"github.com/classla/ide-orchestrator/internal/endpoints"
	"github.com/classla/ide-orchestrator/internal/events"
	"github.com/classla/ide-orchestrator/internal/exec"
	"github.com/classla/ide-orchestrator/internal/ident"
	"github.com/classla/ide-orchestrator/internal/lifecycle"
	"github.com/classla/ide-orchestrator/internal/metrics"
	"github.com/classla/ide-orchestrator/internal/proxy"
	"github.com/classla/ide-orchestrator/internal/queue"
	"github.com/classla/ide-orchestrator/internal/runtime"
	"github.com/classla/ide-orchestrator/internal/store"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()

	// Initialize structured logger
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector()

	logger.Info("Starting IDE orchestrator",
		"runtime", cfg.Runtime.Mode,
		"endpoints", cfg.Endpoints.Mode)

	// Create Valkey repository
	repo, err := store.NewValkeyRepository(&cfg.Store, &cfg.Runtime)
	if err != nil {
		logger.Fatal("Failed to connect to Valkey", "error", err)
	}
	defer repo.Close()

	// Initialize the host port pool in Valkey
	ctx := context.Background()
	if err := repo.InitializePorts(ctx); err != nil {
		logger.Fatal("Failed to initialize ports", "error", err)
	}

	// Session ledger is optional: without a DSN, sessions are simply not
	// recorded to MySQL.
	var ledger *database.SessionLedger
	if cfg.Ledger.DSN != "" {
		ledger, err = database.NewSessionLedger(cfg.Ledger.DSN)
		if err != nil {
			logger.Warn("Failed to connect to session ledger - sessions will not be recorded", "error", err)
			ledger = nil
		} else {
			defer ledger.Close()
			logger.Info("Connected to session ledger")
		}
	}

	// Create NATS publisher
	publisher, err := queue.NewNATSPublisher(&cfg.Queue)
	if err != nil {
		logger.Fatal("Failed to create NATS publisher", "error", err)
	}
	defer publisher.Close()
	logger.Info("Connected to NATS JetStream")

	// Create container runtime based on configuration
	var rt runtime.Runtime
	var runtimeCloser func() error

	switch cfg.Runtime.Mode {
	case "podman":
		podmanRuntime, err := runtime.NewPodmanRuntime(&cfg.Runtime, logger)
		if err != nil {
			logger.Fatal("Failed to create Podman runtime", "error", err)
		}
		rt = podmanRuntime
		runtimeCloser = podmanRuntime.Close
	case "docker":
		fallthrough
	default:
		dockerRuntime, err := runtime.NewDockerRuntime(&cfg.Runtime, logger)
		if err != nil {
			logger.Fatal("Failed to create Docker runtime", "error", err)
		}
		rt = dockerRuntime
		runtimeCloser = dockerRuntime.Close
	}
	defer runtimeCloser()

	// Route management is only meaningful in remote mode, and only when a
	// Caddy admin endpoint is configured.
	var routes proxy.RouteManager
	if cfg.Ingress.CaddyAdminURL != "" {
		routes = proxy.NewCaddyRouteManager(&cfg.Ingress, cfg.Endpoints.BaseDomain)
		logger.Info("Route management enabled", "admin", cfg.Ingress.CaddyAdminURL)
	}

	// Identifier allocation is backed by the shared Valkey set so multiple
	// orchestrator instances cannot hand out the same ID.
	ids := ident.NewAllocator(repo)

	bus := events.NewBus()

	resolver := &endpoints.Selector{
		Remote: &endpoints.RemoteResolver{
			Scheme:     cfg.Endpoints.Scheme,
			BaseDomain: cfg.Endpoints.BaseDomain,
		},
		Local: &endpoints.LocalResolver{
			Host: cfg.Endpoints.AgentHost,
			Port: cfg.Endpoints.AgentPort,
		},
	}

	// Create NATS consumer with the provisioning and teardown handlers
	handlers := queue.NewHandlers(repo, rt, routes, ids, bus, ledger, metricsCollector, cfg, logger)
	consumer, err := queue.NewNATSConsumer(&cfg.Queue, handlers.ProvisionHandler, handlers.TeardownHandler, logger)
	if err != nil {
		logger.Fatal("Failed to create NATS consumer", "error", err)
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal("Failed to start NATS consumer", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		consumer.Stop(stopCtx)
	}()
	logger.Info("Started NATS consumer")

	// Create lifecycle manager
	mgr := lifecycle.NewContainerManager(cfg, repo, rt, routes, ids, bus, ledger, publisher, resolver, logger, metricsCollector)

	// Start idle reaper
	if err := mgr.StartReaper(ctx); err != nil {
		logger.Fatal("Failed to start reaper", "error", err)
	}
	defer mgr.StopReaper()

	// Refresh container gauges periodically; Stats sets them as a side effect.
	gaugeCtx, cancelGauge := context.WithCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Recovered from panic in metrics updater",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeCtx.Done():
				return
			case <-ticker.C:
				if _, err := mgr.Stats(gaugeCtx); err != nil {
					logger.Warn("Failed to refresh container gauges", "error", err)
				}
			}
		}
	}()
	defer cancelGauge()

	// Create execution gateway and API handler
	gateway := exec.NewGateway(cfg.Lifecycle.ExecTimeout, logger)
	handler := api.NewHandler(cfg, mgr, gateway, bus, metricsCollector, logger)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	// The event stream endpoint clears its own write deadline; the server
	// timeout applies to every other route.
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Channel to receive server errors from goroutine
	serverErrCh := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			serverErrCh <- err
		}
	}()

	// Wait for interrupt signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case err := <-serverErrCh:
		logger.Error("Server failed, initiating shutdown", "error", err)
	}

	logger.Info("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}
