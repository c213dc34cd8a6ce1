package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"coinrotator/config"
	"coinrotator/internal/adapters/binanceclient"
	"coinrotator/internal/adapters/logger"
	"coinrotator/internal/adapters/sqlite"
	"coinrotator/internal/app"
	"coinrotator/internal/decision"
	"coinrotator/internal/locks"
	"coinrotator/internal/ports"
	"coinrotator/internal/protection"
	"coinrotator/internal/settlement"
	"coinrotator/internal/snapshots"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogBackend == "zap" {
		zl := logger.NewZapLogger(logger.ZapConfig{
			Level:      cfg.LogLevel.String(),
			Output:     cfg.LogOutput,
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
			Compress:   cfg.LogCompress,
		})
		defer func() { _ = zl.Sync() }()
		appLogger = zl
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel.String(), "backend": cfg.LogBackend})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
		BridgeCoin: cfg.BridgeCoin,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Core Components
	store, err := snapshots.NewStore(repo, repo, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize snapshot store")
		log.Fatalf("FATAL: Failed to initialize snapshot store: %v", err)
	}

	lockMgr, err := locks.NewManager(locks.Config{
		Repo:       repo,
		Logger:     appLogger,
		DefaultTTL: cfg.LockTTL,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize lock manager")
		log.Fatalf("FATAL: Failed to initialize lock manager: %v", err)
	}

	engine, err := decision.NewEngine(decision.Config{
		UnitGainTolerancePct: cfg.UnitGainTolerancePct,
	}, binanceClient, store, protection.NewTracker(), repo, repo, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize decision engine")
		log.Fatalf("FATAL: Failed to initialize decision engine: %v", err)
	}

	settler, err := settlement.NewSettler(settlement.Config{
		Locks:     lockMgr,
		Executor:  binanceClient,
		Trades:    repo,
		Decisions: repo,
		Store:     store,
		Logger:    appLogger,
		LockTTL:   cfg.LockTTL,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize settler")
		log.Fatalf("FATAL: Failed to initialize settler: %v", err)
	}
	appLogger.Info(context.Background(), "Core components initialized")

	// 6. Initialize Application Service
	rotationService, err := app.NewRotationService(
		cfg,
		appLogger,
		repo, // Pass the concrete implementation, service expects the interfaces
		repo,
		store,
		binanceClient,
		engine,
		settler,
		lockMgr,
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize rotation service")
		log.Fatalf("FATAL: Failed to initialize rotation service: %v", err)
	}
	appLogger.Info(context.Background(), "Rotation service initialized")

	// 7. Start the Service
	// Use context.Background() as the base context for the application run
	if err := rotationService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Rotation service exited with error")
		log.Fatalf("FATAL: Rotation service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
