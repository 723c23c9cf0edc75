package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rental-meter/rental-meter/internal/api"
	"github.com/rental-meter/rental-meter/internal/config"
	"github.com/rental-meter/rental-meter/internal/logging"
	"github.com/rental-meter/rental-meter/internal/metrics"
	"github.com/rental-meter/rental-meter/internal/service/engine"
	"github.com/rental-meter/rental-meter/internal/service/gate"
	"github.com/rental-meter/rental-meter/internal/service/reconciler"
	"github.com/rental-meter/rental-meter/internal/service/sweeper"
	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/internal/tariff"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting rental meter server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	sessionStore := storage.NewSessionStore(db)
	policyStore := storage.NewPolicyStore(db)
	ledgerStore := storage.NewLedgerStore(db)
	tariffStore := storage.NewTariffStore(db)
	exportStore := storage.NewExportStore(db)

	// Seed the active-session gauges from database state
	counts, err := sessionStore.CountByStatus(ctx)
	if err != nil {
		logger.Error("failed to count sessions", slog.String("error", err.Error()))
		os.Exit(1)
	}
	statusCounts := make([]metrics.StatusCount, 0, len(counts))
	for status, count := range counts {
		statusCounts = append(statusCounts, metrics.StatusCount{Status: string(status), Count: count})
	}
	metrics.InitializeSessionMetrics(statusCounts)

	// Initialize services
	tariffResource := tariff.NewStoreResource(tariffStore)
	tariffCache := tariff.NewCachedResource(tariffResource, cfg.Tariff.CacheTTL)

	admissionGate := gate.New(policyStore, sessionStore, gate.WithLogger(logger))

	revenueReconciler := reconciler.New(exportStore, sessionStore,
		reconciler.WithLogger(logger))

	sessionEngine := engine.New(sessionStore, admissionGate, tariffCache, revenueReconciler,
		engine.WithLogger(logger),
		engine.WithDefaultCurrency(cfg.Billing.DefaultCurrency))

	expirationSweeper := sweeper.New(sessionStore, sessionEngine, revenueReconciler,
		sweeper.WithLogger(logger),
		sweeper.WithCheckInterval(cfg.Sweeper.CheckInterval))

	// Initialize API server (not ready yet)
	server := api.New(sessionEngine, expirationSweeper, policyStore, ledgerStore, tariffStore,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		api.WithTariffCache(tariffCache))

	// Settle overdue sessions from before the restart before accepting
	// traffic, so clients never observe a running session past its
	// deadline.
	if cfg.Sweeper.StartupSweep {
		logger.Info("running startup sweep")
		expired := expirationSweeper.Sweep(ctx)
		if expired > 0 {
			logger.Info("startup sweep settled overdue sessions",
				slog.Int("sessions_expired", expired))
		}
	}

	// Mark server as ready
	server.SetReady(true)

	// Start the background sweeper
	if cfg.Sweeper.Enabled {
		expirationSweeper.Start(ctx)
	} else {
		logger.Warn("expiration sweeper disabled, countdown sessions will only expire on demand")
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		if cfg.Sweeper.Enabled {
			expirationSweeper.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
