package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bling-sync-api/internal/bling"
	"bling-sync-api/internal/cache"
	"bling-sync-api/internal/config"
	"bling-sync-api/internal/handler"
	"bling-sync-api/internal/logger"
	"bling-sync-api/internal/queue"
	"bling-sync-api/internal/repository"
	"bling-sync-api/internal/router"
	"bling-sync-api/internal/service"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	log := logger.New(logger.ForEnvironment(cfg.App.Environment, cfg.Log.Level, cfg.Log.Format))
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment))

	ctx := context.Background()

	// Persistent store
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
	}()

	// Redis, only when a backend asks for it
	var redisClient *redis.Client
	if cfg.Cache.NeedsRedis() {
		redisClient, err = cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		log.Info("redis client initialized", zap.String("addr", cfg.Cache.RedisAddress()))
	}

	blingCfg := bling.Config{
		APIBaseURL:         cfg.Bling.APIBaseURL,
		TokenURL:           cfg.Bling.TokenURL,
		HTTPTimeout:        cfg.Bling.HTTPTimeout,
		MaxAttempts:        cfg.Bling.MaxAttempts,
		RateLimitWait:      cfg.Bling.RateLimitWait,
		RateLimitMaxWait:   cfg.Bling.RateLimitMaxWait,
		ServerErrorWait:    cfg.Bling.ServerErrorWait,
		NetworkErrorWait:   cfg.Bling.NetworkErrorWait,
		RequestsPerSec:     cfg.Bling.RequestsPerSec,
		RefreshRetryWait:   cfg.Bling.RefreshRetryWait,
		RefreshMaxAttempts: cfg.Bling.RefreshMaxAttempts,
		TokenSkew:          cfg.Bling.TokenSkew,
	}

	// Token cache and refresh lock. With a shared cache, refreshes are also
	// serialized across instances.
	var (
		tokenCache cache.Cache
		locker     bling.Locker
	)
	if cfg.Cache.TokenCache == "redis" {
		tokenCache = cache.NewRedisCache(redisClient, cfg.Cache.KeyPrefix)
		// The lock must outlive a full refresh including its 429 waits.
		ttl := cfg.Bling.RefreshRetryWait*time.Duration(cfg.Bling.RefreshMaxAttempts) + 2*cfg.Bling.HTTPTimeout
		locker = bling.NewRedisLocker(redislock.New(redisClient), ttl, cfg.Cache.KeyPrefix+":lock")
	} else {
		memCache := cache.NewMemoryCache()
		defer memCache.Close()
		tokenCache = memCache
		locker = bling.NewLocalLocker()
	}

	httpClient := &http.Client{Timeout: cfg.Bling.HTTPTimeout}
	tokens := bling.NewTokenManager(blingCfg, store, tokenCache, locker, httpClient, log)
	client := bling.NewClient(blingCfg, tokens, httpClient, log)

	// Task queue, one shard per worker
	var queues *queue.Sharded
	if cfg.Cache.QueueBackend == "redis" {
		queues = queue.NewRedisSharded(redisClient, cfg.Cache.KeyPrefix, cfg.Worker.Count)
		recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := queues.Recover(recoverCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("recover queue: %w", err)
		}
		if n > 0 {
			log.Warn("requeued tasks left in flight by a previous run", zap.Int("tasks", n))
		}
	} else {
		queues = queue.NewMemorySharded(cfg.Worker.Count)
		log.Warn("using in-memory queue; queued tasks are lost on crash")
	}

	processor := service.NewProcessor(store, log)
	workers := service.NewWorkerPool(queues, client, processor, store, service.WorkerConfig{
		Policy:         service.RetryPolicy(cfg.Worker.RetryPolicy),
		MaxAttempts:    cfg.Worker.MaxAttempts,
		BackoffInitial: cfg.Worker.BackoffInitial,
		BackoffMax:     cfg.Worker.BackoffMax,
		RequeueDelay:   cfg.Worker.RequeueDelay,
	}, log)
	replayer := service.NewDeadLetterReplayer(store, queues, service.ReplayConfig{
		Interval: cfg.Worker.ReplayInterval,
	}, log)
	ingestor := service.NewIngestor(queues, log)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers.Start(workerCtx)
	replayer.Start()

	// HTTP
	r := router.New(router.Config{
		Handler:        handler.New(store, queues),
		WebhookHandler: handler.NewWebhookHandler(ingestor, log),
		AdminHandler: handler.NewAdminHandler(handler.AdminConfig{
			Store:    store,
			Queue:    queues,
			Workers:  workers,
			Replayer: replayer,
			Tokens:   tokens,
			DBType:   store.Backend(),
			Log:      log,
		}),
		LoginKey: cfg.App.LoginKey,
		Logger:   log,
	})
	if cfg.App.LoginKey == "" {
		log.Warn("LOGIN_KEY not set; admin endpoints are disabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop intake first so no task arrives after the workers are gone.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		log.Warn("workers did not stop in time", zap.Error(err))
	}
	replayer.Stop()
	queues.Close()

	if n, err := queues.Len(context.Background()); err == nil && n > 0 {
		log.Warn("tasks left in queue at shutdown", zap.Int("count", n))
	}

	log.Info("server stopped", zap.Any("workers", workers.Stats()))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*repository.SQLStore, error) {
	pool := repository.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	switch strings.ToLower(cfg.Database.Type) {
	case "postgres", "postgresql":
		s, err := repository.NewPostgresStore(ctx, cfg.Database.PostgresDSN(), pool, log)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	case "mysql":
		s, err := repository.NewMySQLStore(ctx, cfg.Database.MySQLDSN(), pool, log)
		if err != nil {
			return nil, fmt.Errorf("mysql: %w", err)
		}
		return s, nil
	default:
		if dir := filepath.Dir(cfg.Database.Path); cfg.Database.Path != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: %w", err)
			}
		}
		s, err := repository.NewSQLiteStore(ctx, cfg.Database.Path, log)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil
	}
}
