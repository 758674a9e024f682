package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solana-wallet-tracker/config"
	"solana-wallet-tracker/internal/api"
	"solana-wallet-tracker/internal/cache"
	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/events"
	"solana-wallet-tracker/internal/logging"
	"solana-wallet-tracker/internal/monitor"
	"solana-wallet-tracker/internal/pnl"
	"solana-wallet-tracker/internal/solana"
	"solana-wallet-tracker/internal/tokens"
	"solana-wallet-tracker/internal/vault"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Logging)

	// The Vault overlay runs before validation so required values sourced
	// from Vault count as present.
	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create vault client")
		}
		vaultCtx, cancelVault := context.WithTimeout(context.Background(), 10*time.Second)
		secrets, err := vaultClient.ConnectionSecrets(vaultCtx)
		cancelVault()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load vault secrets")
		}
		secrets.Overlay(cfg)
		logger.Info().Msg("vault connection secrets applied")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	clk := clock.New()
	bus := events.NewEventBus()

	db, err := database.NewDB(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 60*time.Second)
	err = db.RunMigrations(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	repo := database.NewRepository(db)

	var redis *cache.CacheService
	if cfg.Redis.Enabled {
		redis, err = cache.NewCacheService(cfg.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create redis cache")
		}
		defer redis.Close()
	}

	chain := solana.NewClient(cfg.RPC.URL, cfg.RPC.Timeout, cfg.RPC.MaxInflight)

	tokenService := tokens.NewService(repo, chain, redis, logger)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	err = tokenService.LoadAll(loadCtx)
	cancelLoad()
	if err != nil {
		// Metadata fills in lazily per mint; startup continues without it.
		logger.Warn().Err(err).Msg("failed to preload token metadata")
	}

	aggregator := pnl.NewAggregator(repo, bus, clk, logger)
	scheduler := pnl.NewScheduler(aggregator, repo, chain, clk, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start pnl scheduler")
	}

	walletMonitor := monitor.NewMonitor(repo, chain, aggregator, bus, clk, cfg.Monitor.ScanConcurrency, logger)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 60*time.Second)
	err = walletMonitor.Initialize(initCtx)
	cancelInit()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize wallet monitor")
	}
	walletMonitor.Start()

	snapshots := api.NewSnapshotBuilder(repo, tokenService, clk, logger)
	hub := api.NewHub(bus, snapshots, logger)
	go hub.Run()

	wsServer := api.NewWSServer(cfg.Server.WSPort, hub, logger)
	go func() {
		if err := wsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("websocket server stopped unexpectedly")
		}
	}()

	apiServer := api.NewServer(cfg.Server.Port, repo, snapshots, hub, walletMonitor, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api server stopped unexpectedly")
		}
	}()

	logger.Info().
		Int("port", cfg.Server.Port).
		Int("ws_port", cfg.Server.WSPort).
		Msg("wallet tracker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancelShutdown()

	scheduler.Stop()
	walletMonitor.Stop()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down websocket server")
	}
	hub.Stop()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down api server")
	}

	logger.Info().Msg("shutdown complete")
}
