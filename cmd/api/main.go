package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"micro-casino/internal/config"
	"micro-casino/internal/handlers"
	"micro-casino/internal/logging"
	"micro-casino/internal/services"
	"micro-casino/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	limits, err := cfg.Limits()
	if err != nil {
		return err
	}

	redisService, err := services.NewRedisService(cfg)
	if err != nil {
		return err
	}
	defer redisService.Close()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks := services.NewTaskRunner(logger.Named("tasks"), cfg.TaskMaxAttempts)
	games := services.NewGameRepository(redisService)
	seeds := services.NewSeedManager(redisService, store, games, tasks, services.SeedManagerConfig{
		MaxGamesPerSeed: cfg.MaxGamesPerSeed,
		CacheTTL:        cfg.SeedCacheTTL,
		LockTTL:         cfg.RotationLockTTL,
	}, logger.Named("seeds"))
	balances := services.NewBalanceCache(redisService, store, cfg.StartingBalanceAmount(), logger.Named("balance"))
	experience := services.NewExperienceService(store)

	mines := services.NewMinesService(services.MinesDeps{
		Redis:       redisService,
		Games:       games,
		Seeds:       seeds,
		Balances:    balances,
		Backup:      services.NewBackupService(store, games),
		Experience:  experience,
		Broadcaster: services.NewRedisBroadcaster(redisService),
		History:     store,
		Tasks:       tasks,
		Logger:      logger.Named("mines"),
	}, services.MinesConfig{
		Limits:          limits,
		GameTTL:         cfg.GameTTL,
		SeedCacheTTL:    cfg.SeedCacheTTL,
		GameLockTTL:     cfg.GameLockTTL,
		TileLockTTL:     cfg.TileLockTTL,
		HistoryCacheTTL: cfg.HistoryCacheTTL,
	})

	syncWorker := services.NewBalanceSyncWorker(redisService, store,
		cfg.BalanceSyncInterval, cfg.BalanceSyncBatchSize, cfg.BalanceSyncMaxAttempts,
		logger.Named("balance-sync")).WithReplayer(seeds)
	wsHandler := handlers.NewWebSocketHandler(mines, redisService, logger.Named("ws"))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Mines:       mines,
		Seeds:       seeds,
		Experience:  experience,
		Redis:       redisService,
		JWT:         services.NewJWTService(cfg),
		WebSocket:   wsHandler,
		Logger:      logger.Named("http"),
		IssueTokens: !cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		syncWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		wsHandler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Let in-flight backups and credits settle before the store closes.
	tasks.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, ferr := syncWorker.SyncOnce(flushCtx); ferr != nil {
		logger.Warn("final balance flush failed", zap.Error(ferr))
	}
	logger.Info("server stopped")
	return err
}
