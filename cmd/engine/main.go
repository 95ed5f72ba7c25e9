package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"crypto-payment-engine/config"
	chainAdapter "crypto-payment-engine/internal/adapter/chain"
	httpHandler "crypto-payment-engine/internal/adapter/http/handler"
	pgStorage "crypto-payment-engine/internal/adapter/storage/postgres"
	redisStorage "crypto-payment-engine/internal/adapter/storage/redis"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/internal/service"
	"crypto-payment-engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Str("network", cfg.Chain.Network).
		Int("port", cfg.Server.Port).
		Msg("Starting crypto payment engine")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize chain client
	chainClient, err := chainAdapter.NewClient(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to chain RPC")
	}
	defer chainClient.Close()
	log.Info().Int64("chain_id", cfg.Chain.ChainID).Msg("Chain RPC connected")

	// Initialize repositories
	orderRepo := pgStorage.NewPaymentOrderRepo(pool)
	chainTxRepo := pgStorage.NewChainTransactionRepo(pool)
	merchantRepo := pgStorage.NewMerchantRepo(pool)
	counterRepo := pgStorage.NewDerivationCounterRepo(pool)
	checkpointRepo := pgStorage.NewChainCheckpointRepo(pool)
	webhookRepo := pgStorage.NewWebhookDeliveryRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize Redis stores
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)
	addressCache := redisStorage.NewAddressCache(rdb)

	// Initialize core services
	sigSvc := service.NewHMACSignatureService()
	hashSvc := service.NewArgon2HashService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	walletSvc, err := service.NewHDWalletService(cfg.Wallet, chainClient.ChainID(), counterRepo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize wallet service")
	}

	// Initialize business services
	webhookSvc := service.NewWebhookService(
		merchantRepo, webhookRepo, sigSvc,
		&http.Client{Timeout: 10 * time.Second}, log,
	)
	paymentSvc := service.NewPaymentService(
		orderRepo,
		merchantRepo,
		walletSvc,
		webhookSvc,
		idempotencyCache,
		addressCache,
		transactor,
		cfg.Chain.Tokens,
		cfg.Engine.OrderExpiry,
		cfg.DefaultFee(),
		log,
	)
	watcherSvc := service.NewWatcherService(
		chainClient, orderRepo, chainTxRepo, checkpointRepo,
		paymentSvc, addressCache, cfg.Chain, log,
	)
	settlementSvc, err := service.NewSettlementService(
		chainClient, orderRepo, chainTxRepo, merchantRepo, walletSvc, paymentSvc,
		cfg.Chain, cfg.Wallet, cfg.Engine, log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize settlement service")
	}

	// Initialize health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)
	chainHealth := chainAdapter.NewHealthCheck(chainClient)

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		PaymentSvc:     paymentSvc,
		MerchantRepo:   merchantRepo,
		HashSvc:        hashSvc,
		TokenSvc:       tokenSvc,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth, chainHealth},
		Logger:         log,
	})

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		watcherSvc.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		settlementSvc.Run(workerCtx)
	}()

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	stopWorkers()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Engine exited")
}
