package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"topstep-gateway/config"
	"topstep-gateway/internal/bracket"
	"topstep-gateway/internal/broker"
	"topstep-gateway/internal/bus"
	"topstep-gateway/internal/events"
	"topstep-gateway/internal/gateway"
	"topstep-gateway/internal/logging"
	"topstep-gateway/internal/monitor"
	"topstep-gateway/internal/mutex"
	"topstep-gateway/internal/reconcile"
	"topstep-gateway/internal/registry"
	"topstep-gateway/internal/stream"
	"topstep-gateway/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewBus()
	logger.Info("Event bus initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker credentials come from Vault when enabled, config otherwise
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to initialize vault client", "error", err)
	}
	creds, err := vaultClient.GetCredentials(ctx, vault.Credentials{
		Username: cfg.BrokerConfig.Username,
		APIKey:   cfg.BrokerConfig.APIKey,
	})
	if err != nil {
		logger.Fatal("Failed to resolve broker credentials", "error", err)
	}

	// Authenticate up front; a broker session is a hard startup requirement
	auth := broker.NewAuthenticator(cfg.BrokerConfig, creds.Username, creds.APIKey, logger)
	if _, err := auth.EnsureValidToken(ctx); err != nil {
		logger.Fatal("Broker authentication failed", "error", err)
	}
	logger.Info("Broker session established", "username", creds.Username)

	// REST facade, contract cache and historical data queue
	client := broker.NewClient(cfg.BrokerConfig, auth, logger)
	history := broker.NewHistoryService(client, cfg.HistoricalConfig, logger)
	resolve := client.Contracts.GetContractIDForInstrument

	// Message bus
	busAdapter := bus.NewAdapter(cfg.RedisConfig, logger)
	if err := busAdapter.Connect(ctx); err != nil {
		logger.Fatal("Message bus connection failed", "error", err)
	}
	logger.Info("Message bus connected", "address", cfg.RedisConfig.Address)

	// Bot registry and order serialization
	reg := registry.New(cfg.RegistryConfig.SlotCount, logger)
	locks := mutex.NewManager(cfg.OrderMutexConfig, logger, eventBus)

	// Position reconciliation
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", "topstep-gateway").Logger()
	recon := reconcile.NewService(cfg.ReconciliationConfig, busAdapter, zl)
	recon.Start()

	// Streaming hubs
	marketHub := stream.NewMarketHub(cfg.BrokerConfig.MarketHubURL, auth.EnsureValidToken,
		resolve, busAdapter, eventBus, logger)
	userHub := stream.NewUserHub(cfg.BrokerConfig.UserHubURL, auth.EnsureValidToken,
		busAdapter, eventBus, logger)

	// Bracket engine
	brackets := bracket.NewEngine(client, resolve, busAdapter, cfg.BracketConfig, logger)
	brackets.Start()

	// Request router
	router := gateway.NewRouter(gateway.Deps{
		Config:     cfg,
		Log:        logger,
		Events:     eventBus,
		Bus:        busAdapter,
		Broker:     client,
		Market:     marketHub,
		Users:      userHub,
		Brackets:   brackets,
		History:    history,
		Reconciler: recon,
		Registry:   reg,
		Locks:      locks,
		Resolve:    resolve,
		ActiveContracts: func(ctx context.Context) (map[string]string, error) {
			if err := client.Contracts.Refresh(ctx); err != nil {
				return nil, err
			}
			out := make(map[string]string)
			for _, symbol := range client.Contracts.Symbols() {
				contractID, err := client.Contracts.GetContractIDForInstrument(ctx, symbol)
				if err != nil {
					logger.Warn("No active contract for symbol", "symbol", symbol, "error", err)
					continue
				}
				out[symbol] = contractID
			}
			return out, nil
		},
	})
	if err := router.Start(); err != nil {
		logger.Fatal("Router subscription failed", "error", err)
	}

	// Hub lifecycle drives the gateway state machine
	eventBus.Subscribe(events.EventHubDisconnected, func(e events.Event) {
		hub, _ := e.Data["hub"].(string)
		router.OnConnectionLost(hub + " hub")
	})
	eventBus.Subscribe(events.EventHubConnected, func(e events.Event) {
		if reconnect, _ := e.Data["reconnect"].(bool); reconnect {
			hub, _ := e.Data["hub"].(string)
			router.OnConnectionRestored(hub + " hub")
		}
	})

	if err := marketHub.Connect(ctx); err != nil {
		logger.Fatal("Market hub connection failed", "error", err)
	}
	if err := userHub.Connect(ctx); err != nil {
		logger.Fatal("User hub connection failed", "error", err)
	}
	logger.Info("Streaming hubs connected")

	// Accounts, contract subscriptions, CONNECTED broadcast
	if err := router.Startup(ctx); err != nil {
		logger.Fatal("Gateway startup sequence failed", "error", err)
	}

	// Monitoring endpoints
	monitorServer := monitor.NewServer(cfg.ServerConfig, monitor.Sources{
		State:           router.State,
		Uptime:          router.Uptime,
		MarketConnected: marketHub.IsConnected,
		UserConnected:   userHub.IsConnected,
		BusQueued:       busAdapter.QueuedCount,
		StreamMetrics:   marketHub.Metrics,
		LockStats:       locks.GetStats,
		ReconcileStats:  recon.Stats,
		HistoryStats:    history.Stats,
		PendingBrackets: brackets.PendingCount,
		Slots:           reg.Snapshot,
	}, logger)
	monitorServer.Start()

	logger.Info("Gateway running", "monitoring_port", cfg.ServerConfig.MonitoringPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	// Ordered teardown: suppress pause broadcasts first, then stop the
	// subsystems, then drop external connections
	router.Shutdown()
	brackets.Stop()
	recon.Stop()
	marketHub.Close()
	userHub.Close()

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := monitorServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Monitoring server shutdown failed", "error", err)
	}

	if err := busAdapter.Close(); err != nil {
		logger.Warn("Message bus close failed", "error", err)
	}
	auth.Clear()
	logger.Info("Gateway stopped")
}
