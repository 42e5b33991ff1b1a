package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "go.uber.org/automaxprocs"

	"github.com/stratafi/strata-backend/internal/api"
	"github.com/stratafi/strata-backend/internal/config"
	"github.com/stratafi/strata-backend/internal/jobs"
	"github.com/stratafi/strata-backend/internal/log"
	"github.com/stratafi/strata-backend/internal/markets"
	"github.com/stratafi/strata-backend/internal/metrics"
	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/repository"
	"github.com/stratafi/strata-backend/internal/store"
	"github.com/stratafi/strata-backend/internal/ws"
	"github.com/stratafi/strata-backend/pkg/kv"
	_ "github.com/stratafi/strata-backend/pkg/kv/memory"
	_ "github.com/stratafi/strata-backend/pkg/kv/redis"
)

// assetSymbol names the pool's underlying settlement asset in market listings.
const assetSymbol = "USDC"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugarWithFile(cfg.Env, log.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting Strata pool API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("strata-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Open Postgres for settlement history and the event journal
	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalw("Database ping failed", "error", err)
	}
	repo := repository.NewRepository(db, logger)
	logger.Infow("Database initialized")

	// Setup Redis cache
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()

	// Test cache connection
	if err := cache.Ping(ctx); err != nil {
		logger.Fatalw("Cache ping failed", "error", err)
	}
	logger.Infow("Cache connection established", "in_memory", cache.IsInMemoryMode())

	// Record store for job markers and idempotency keys. Redis-backed with
	// transparent failover to the in-process store when Redis drops.
	records, err := kv.NewStoreFromConfig(kv.Config{
		Backend:         kv.BackendRedis,
		RedisURL:        "redis://" + cfg.Cache.RedisAddr,
		FailoverEnabled: true,
		Logger: func(msg string, fields ...any) {
			logger.Warnw(msg, fields...)
		},
	})
	if err != nil {
		logger.Fatalw("Failed to setup record store", "error", err)
	}
	defer records.Close()

	// Bring up the pool engine from the genesis document. State and ledger
	// are in-process: the ledger simulates the settlement asset, so every
	// wallet genesis spends from has to be funded before InitGenesis runs.
	genesis := cfg.Pool.Genesis()
	if genesis == nil {
		logger.Fatalw("No genesis document configured", "hint", "run cmd/initializer or point STRATA_GENESIS_PATH at one")
	}
	roles := cfg.Pool.Roles()

	ledger := pool.NewMemLedger()
	fundGenesisWallets(ledger, genesis)
	ledger.Mint(roles.CreditService, creditServiceFloat())

	engine := pool.NewEngine(pool.NewMemState(), ledger, roles)
	poolSvc := pool.NewService(engine, jobs.NewFanoutRecorder(repo, cache, logger), logger)
	if err := poolSvc.InitGenesis(context.Background(), genesis); err != nil {
		logger.Fatalw("Failed to apply genesis", "error", err)
	}

	epoch, err := poolSvc.CurrentEpoch()
	if err != nil {
		logger.Fatalw("Pool engine not ready after genesis", "error", err)
	}
	logger.Infow("Pool initialized",
		"policy", genesis.Config.TranchePolicy,
		"epoch", epoch.ID,
		"epoch_ends", epoch.EndTime,
	)

	if err := metricsObj.ObservePoolState(poolObservation(poolSvc)); err != nil {
		logger.Fatalw("Failed to register pool gauges", "error", err)
	}

	// Setup markets service
	marketsSvc := markets.NewService(genesis.Config, assetSymbol)
	if snap, err := poolSvc.Snapshot(); err == nil {
		marketsSvc.Refresh(snap)
	}

	// Setup WebSocket hub and SSE handler
	wsHub := ws.NewHub(cache, logger, metricsObj)
	sseHandler := ws.NewSSEHandler(cache, logger)

	// Create context for background services
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	// Start WebSocket hub in background
	go wsHub.Run(hubCtx)

	// Setup and start the PnL feed publisher
	pnlPublisher, err := jobs.NewPnLPublisher(poolSvc, cache, records, metricsObj, logger, jobs.PnLPublisherConfig{
		ProviderType:   cfg.Feed.Provider,
		BaseURL:        cfg.Feed.BaseURL,
		PollInterval:   cfg.Feed.PollInterval,
		RetryInterval:  cfg.Feed.RetryInterval,
		PublicKeyHex:   cfg.Feed.PublicKeyHex,
		Actor:          roles.CreditService,
		MockSeed:       cfg.Feed.MockSeed,
		MockYieldBps:   cfg.Feed.MockYieldBps,
		MockDefaultBps: cfg.Feed.MockDefaultBps,
	})
	if err != nil {
		logger.Fatalw("Failed to setup PnL publisher", "error", err)
	}
	go func() {
		if err := pnlPublisher.Start(hubCtx); err != nil && err != context.Canceled {
			logger.Errorw("PnL publisher error", "error", err)
		}
	}()

	// Setup and start the epoch close scheduler
	epochCloser := jobs.NewEpochCloser(poolSvc, cache, records, metricsObj, logger, jobs.EpochCloserConfig{
		Schedule:        cfg.Jobs.EpochCloseSpec,
		CatchupInterval: cfg.Jobs.CatchupInterval,
		Actor:           closeActor(roles),
	})
	if err := epochCloser.Start(hubCtx); err != nil {
		logger.Fatalw("Failed to start epoch closer", "error", err)
	}
	defer epochCloser.Stop()

	// Setup API handler and middleware
	handler, err := api.NewHandler(poolSvc, ledger, marketsSvc, repo, wsHub, sseHandler, cache, records, cfg, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup API handler", "error", err)
	}
	middleware := api.NewMiddleware(logger, metricsObj)

	// Create router with middleware and routes - pass security config to Routes
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	// Log configured CORS origins for easier debugging in dev
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}

// fundGenesisWallets mints the balances the genesis seed deposits will spend.
func fundGenesisWallets(ledger *pool.MemLedger, g *pool.Genesis) {
	for _, d := range g.Deposits {
		if d.Amount != nil {
			ledger.Mint(d.Lender, d.Amount)
		}
	}
	for _, cg := range g.Covers {
		for _, seed := range cg.Deposits {
			if seed.Amount != nil {
				ledger.Mint(seed.Provider, seed.Amount)
			}
		}
	}
}

// creditServiceFloat is the working balance minted to the credit service
// wallet so simulated borrower payments have funds to settle from.
func creditServiceFloat() *big.Int {
	return new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000))
}

// closeActor picks the account the epoch close scheduler acts as.
func closeActor(roles pool.Roles) string {
	if len(roles.PoolOperators) > 0 {
		return roles.PoolOperators[0]
	}
	if len(roles.ProtocolAdmins) > 0 {
		return roles.ProtocolAdmins[0]
	}
	return ""
}

func poolObservation(service *pool.Service) func(context.Context) metrics.PoolObservation {
	return func(context.Context) metrics.PoolObservation {
		obs := metrics.PoolObservation{
			TrancheAssets:     make(map[string]float64, pool.TrancheCount),
			TrancheSharePrice: make(map[string]float64, pool.TrancheCount),
		}
		snap, err := service.Snapshot()
		if err != nil {
			return obs
		}
		for _, tv := range snap.Tranches {
			name := tv.Tranche.String()
			obs.TrancheAssets[name] = bigFloat(tv.TotalAssets)
			obs.TrancheSharePrice[name] = tv.SharePrice.InexactFloat64()
		}
		obs.SafeBalance = bigFloat(snap.SafeBalance)
		obs.OutstandingCredit = bigFloat(snap.OutstandingCredit)
		return obs
	}
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
