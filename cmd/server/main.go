package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"multichain-funding/internal/api"
	"multichain-funding/internal/blockchain/evm"
	"multichain-funding/internal/cache"
	"multichain-funding/internal/config"
	"multichain-funding/internal/database"
	"multichain-funding/internal/logger"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
	"multichain-funding/internal/remote"
	"multichain-funding/internal/service"
	"multichain-funding/internal/worker"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	zl, err := logger.New(os.Getenv("ENV"), cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting multichain funding service")
	zl.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("settlement_chain", cfg.Settlement.ChainID),
		zap.String("history_source", cfg.History.Source),
		zap.Int("num_chains", len(cfg.Chains)))

	collector := metrics.NewCollector("funding")

	// Connect to EVM chains
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	registry, err := evm.NewRegistry(ctx, cfg.Chains, zl)
	cancel()
	if err != nil {
		zl.Fatal("Failed to connect to EVM chains", zap.Error(err))
	}
	defer registry.Close()

	// Remote services
	bridge, err := remote.NewBridgeClient(cfg.Remote.BridgeURL, cfg.Remote.APIKey, cfg.Remote.Timeout)
	if err != nil {
		zl.Fatal("Failed to create bridge client", zap.Error(err))
	}
	relayClient, err := remote.NewRelayClient(cfg.Remote.RelayURL, cfg.Remote.APIKey, cfg.Remote.Timeout)
	if err != nil {
		zl.Fatal("Failed to create relay client", zap.Error(err))
	}
	oracle, err := remote.NewOracleClient(cfg.Remote.OracleURL, cfg.Remote.APIKey, cfg.Remote.Timeout)
	if err != nil {
		zl.Fatal("Failed to create oracle client", zap.Error(err))
	}

	ledger, closeLedger, err := newLedger(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to create ledger", zap.Error(err))
	}
	defer closeLedger()

	// Initialize services
	prices := service.NewPriceService(
		oracle,
		cache.NewTTL[string, map[string]models.PriceRange](cfg.Pricing.CacheTTL),
		cfg.Pricing.PriceDecimals,
		zl,
	)
	feeService := service.NewFeeService(bridge, prices, cfg.Quote, collector, zl)
	history := service.NewHistoryService(ledger, service.NewOptimisticStore(), cfg.History, collector, zl)
	relayService := service.NewRelayService(
		registry,
		relayClient,
		prices,
		registry.Router(),
		cfg.Chains,
		cfg.Relay,
		history,
		collector,
		zl,
	)

	zl.Info("Services initialized")

	// Initialize workers
	workerManager, err := worker.NewWorkerManager(cfg, registry, prices, history, collector, zl)
	if err != nil {
		zl.Fatal("Failed to initialize worker manager", zap.Error(err))
	}

	hub := api.NewStreamHub(zl)
	workerManager.Aggregator().AddListener(hub)
	history.AddListener(hub)

	// Initialize API handlers
	apiHandler := api.NewHandler(
		workerManager,
		workerManager.Aggregator(),
		feeService,
		relayService,
		history,
		cfg.Settlement.ChainID,
		zl,
	)
	router := api.SetupRouter(apiHandler, hub, collector, cfg.Server, zl)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		zl.Info("Starting HTTP server", zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start workers
	workerManager.Start()
	zl.Info("Workers started")

	zl.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		zl.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		zl.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	zl.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first so no more stream frames are produced
	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		zl.Error("Worker shutdown error", zap.Error(err))
	}
	hub.Close()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		zl.Info("HTTP server stopped gracefully")
	}

	zl.Info("Service stopped successfully")
}

// newLedger selects the funding ledger backend
func newLedger(cfg *config.Config, zl *zap.Logger) (service.Ledger, func(), error) {
	switch cfg.History.Source {
	case config.HistorySourcePostgres:
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		zl.Info("Ledger database connected", zap.String("db_host", cfg.Database.Host))
		return database.NewLedger(db), func() { db.Close() }, nil
	default:
		client, err := remote.NewLedgerClient(cfg.Remote.LedgerURL, cfg.Remote.APIKey, cfg.Remote.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}
}
