package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirsync/backend/internal/cache"
	"kasirsync/backend/internal/config"
	"kasirsync/backend/internal/httpapi"
	"kasirsync/backend/internal/logging"
	"kasirsync/backend/internal/realtime"
	"kasirsync/backend/internal/realtime/pgfeed"
	"kasirsync/backend/internal/realtime/redisfeed"
	"kasirsync/backend/internal/retry"
	"kasirsync/backend/internal/service"
	"kasirsync/backend/internal/store"
	"kasirsync/backend/internal/store/memory"
	pgstore "kasirsync/backend/internal/store/postgres"
)

// changeFeed is both ends of the realtime transport: the service publishes
// into it and the bus listens on it.
type changeFeed interface {
	realtime.Feed
	realtime.Publisher
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := validateRuntimeConfig(cfg); err != nil {
		logger.Fatal("invalid runtime configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 6)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(startCtx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		closers = append(closers, redisClient.Close)
	}

	queueCache := cache.QueueCache(cache.NoopQueueCache{})
	if redisClient != nil {
		redisCache := cache.NewRedisQueueCache(redisClient)
		if err := redisCache.Ping(startCtx); err != nil {
			logger.Warn("redis unavailable, using noop queue cache", zap.Error(err))
		} else {
			queueCache = redisCache
			logger.Info("queue cache: redis")
		}
	} else {
		logger.Info("queue cache: noop")
	}

	feed, closeFeed, err := newChangeFeed(startCtx, cfg, redisClient, logger.Named("feed"))
	if err != nil {
		return err
	}
	closers = append(closers, closeFeed)
	logger.Info("change feed", zap.String("transport", cfg.ChangeFeed))

	var retryQueue retry.Queue
	if len(cfg.KafkaBrokers) > 0 {
		retryQueue = retry.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaRetryTopic, cfg.KafkaGroupID, logger.Named("retry"))
		logger.Info("retry queue: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaRetryTopic))
	} else {
		retryQueue = retry.NewMemoryQueue(1024)
		logger.Info("retry queue: in-memory")
	}
	closers = append(closers, retryQueue.Close)

	svc := service.New(repo, service.Options{
		Logger:               logger.Named("service"),
		Publisher:            feed,
		QueueCache:           queueCache,
		QueueCacheTTL:        time.Duration(cfg.QueueCacheTTLSeconds) * time.Second,
		RetryQueue:           retryQueue,
		CartTTL:              cfg.CartTTL(),
		AllowNegativeStock:   cfg.AllowNegativeStock,
		LoyaltyCentsPerPoint: cfg.LoyaltyCentsPerPoint,
	})

	initialBackoff, maxBackoff := cfg.RealtimeBackoff()
	bus := realtime.NewBus(feed, realtime.BusOptions{
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
		Logger:         logger.Named("realtime"),
	})
	closers = append(closers, bus.Close)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, bus, cfg.AllowedOrigin, logger.Named("httpapi"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Event streams only end when their subscription does.
	server.RegisterOnShutdown(func() { _ = bus.Close() })

	if requeued, err := svc.RequeuePendingFailures(startCtx); err != nil {
		logger.Warn("requeue pending ledger failures", zap.Error(err))
	} else if requeued > 0 {
		logger.Info("requeued pending ledger failures", zap.Int("count", requeued))
	}

	worker := retry.NewWorker(retryQueue, svc, retry.WorkerOptions{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		Logger:      logger.Named("retry"),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		err := worker.Run(gctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, retry.ErrQueueClosed) {
			return nil
		}
		return fmt.Errorf("ledger retry worker: %w", err)
	})

	g.Go(func() error {
		sweepCarts(gctx, svc, time.Duration(cfg.CartSweepIntervalSeconds)*time.Second, logger)
		return nil
	})

	return g.Wait()
}

func newChangeFeed(ctx context.Context, cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (changeFeed, func() error, error) {
	switch cfg.ChangeFeed {
	case "postgres":
		feed, err := pgfeed.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres change feed: %w", err)
		}
		return feed, func() error { feed.Close(); return nil }, nil
	case "redis":
		return redisfeed.New(redisClient, logger), func() error { return nil }, nil
	default:
		return realtime.NewHub(), func() error { return nil }, nil
	}
}

// sweepCarts abandons idle carts on every tick until ctx ends.
func sweepCarts(ctx context.Context, svc *service.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExpireCarts(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("expire carts", zap.Error(err))
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

func validateRuntimeConfig(cfg config.Config) error {
	switch cfg.ChangeFeed {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("CHANGE_FEED=postgres requires DATABASE_URL")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("CHANGE_FEED=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown CHANGE_FEED %q; use memory, postgres or redis", cfg.ChangeFeed)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaRetryTopic == "" {
		return fmt.Errorf("KAFKA_RETRY_TOPIC must be set when KAFKA_BROKERS is")
	}
	return nil
}
