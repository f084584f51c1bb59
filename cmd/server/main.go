package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/database"
	"github.com/ScriptSmith/hadrian-sub008/internal/gateway"
	"github.com/ScriptSmith/hadrian-sub008/internal/logger"
	"github.com/ScriptSmith/hadrian-sub008/internal/proxy"
	"github.com/ScriptSmith/hadrian-sub008/internal/router"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/admission"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/tokens"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          log,
	})
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	redisClient, err := initRedis(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}

	var store cache.Cache
	if cfg.Cache.Backend == "memory" {
		log.Warn("Using in-process cache; budget and rate counters are per instance")
		store = cache.NewMemoryCache()
	} else {
		store = cache.NewRedisCache(&cache.RedisConfig{
			Client:    redisClient,
			KeyPrefix: cfg.Cache.KeyPrefix,
			Logger:    log,
		})
	}

	deadLetters, err := initDLQStore(cfg, db, redisClient, log)
	if err != nil {
		log.Fatal("Failed to initialize dead letter queue", zap.Error(err))
	}

	auditLog := audit.NewLogger(&audit.Config{
		DB:     db,
		DLQ:    deadLetters,
		Logger: log,
	})

	sink := usage.NewDatabaseSink(&usage.DatabaseSinkConfig{
		DB:     db,
		DLQ:    deadLetters,
		Logger: log,
	})
	buffer := usage.NewBuffer(&usage.BufferConfig{
		Sink:          sink,
		Logger:        log,
		BatchSize:     cfg.Usage.BatchSize,
		MaxPending:    cfg.Usage.MaxPending,
		FlushInterval: cfg.Usage.FlushInterval,
	})
	buffer.Start()

	worker := newDLQWorker(cfg, deadLetters, log)
	worker.RegisterHandler(dlq.TypeUsageLog, sink.ReplayHandler())
	worker.RegisterHandler(dlq.TypeAuditLog, auditLog.ReplayHandler())

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if cfg.DLQ.Retry.Enabled || cfg.DLQ.Prune.Enabled {
		worker.Start(workerCtx)
	}

	keys := auth.NewKeyService(&auth.KeyServiceConfig{
		DB:        db,
		Cache:     store,
		Logger:    log,
		KeyPrefix: cfg.Auth.KeyPrefix,
		CacheTTL:  cfg.Auth.CacheTTL,
	})
	registry := auth.NewRegistry(&auth.RegistryConfig{
		DB:     db,
		Logger: log,
		JWT:    cfg.Auth.JWT,
	})
	authenticator := auth.NewAuthenticator(&auth.AuthenticatorConfig{
		Keys:   keys,
		Tokens: registry,
		Config: cfg.Auth,
		Logger: log,
	})

	controller := admission.NewController(&admission.ControllerConfig{
		Cache:  store,
		Limits: cfg.Limits,
		Audit:  auditLog,
		Logger: log,
	})

	estimator := tokens.NewEstimator()
	rails, err := guardrails.NewService(&cfg.Guardrails, estimator, log)
	if err != nil {
		log.Fatal("Failed to build guardrails", zap.Error(err))
	}

	forwarder, err := proxy.New(&proxy.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.Timeout,
		Logger:  log,
	})
	if err != nil {
		log.Fatal("Failed to build upstream forwarder", zap.Error(err))
	}

	reconciler := usage.NewReconciler(&usage.ReconcilerConfig{
		Cache:  store,
		Logger: log,
	})

	pipeline, err := gateway.NewPipeline(&gateway.PipelineConfig{
		Config:     cfg,
		Logger:     log,
		Auth:       authenticator,
		Admission:  controller,
		Guardrails: rails,
		Forwarder:  forwarder,
		Reconciler: reconciler,
		Usage:      buffer,
		Audit:      auditLog,
		Estimator:  estimator,
	})
	if err != nil {
		log.Fatal("Failed to build gateway pipeline", zap.Error(err))
	}

	// The admin API resolves client addresses through the same trusted proxy
	// list as the pipeline.
	trust, err := gateway.NewProxyTrust(cfg.Server.TrustedProxies)
	if err != nil {
		log.Fatal("Invalid trusted_proxies", zap.Error(err))
	}

	mainHandler := router.New(&router.Config{
		Config:   cfg,
		Logger:   log,
		Pipeline: pipeline,
		Trust:    trust,
		DB:       db,
		Cache:    store,
		Auth:     authenticator,
		Keys:     keys,
		DLQ:      deadLetters,
		Worker:   worker,
		Usage:    buffer,
		Audit:    auditLog,
	})

	servers := []*http.Server{
		{
			Addr:         cfg.Server.Listen,
			Handler:      mainHandler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		{
			Addr:         cfg.Server.MetricsListen,
			Handler:      router.NewMetricsRouter(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	names := []string{"Gateway", "Metrics"}
	for i, srv := range servers {
		go func(s *http.Server, name string) {
			log.Info(name+" server starting", zap.String("address", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal(name+" server failed", zap.Error(err))
			}
		}(srv, names[i])
	}

	log.Info("Gateway started",
		zap.String("listen", cfg.Server.Listen),
		zap.String("metrics_listen", cfg.Server.MetricsListen),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("dlq_backend", cfg.DLQ.Backend),
		zap.String("guardrails_mode", cfg.Guardrails.Mode),
		zap.String("upstream", cfg.Upstream.BaseURL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	// Settle everything still in flight before the buffers close: listener
	// drain first, then the pipeline's async settlement, then the writers.
	if err := pipeline.Drain(ctx); err != nil {
		log.Warn("Settlement drain timed out", zap.Error(err))
	}
	stopWorker()
	if cfg.DLQ.Retry.Enabled || cfg.DLQ.Prune.Enabled {
		worker.Stop()
	}
	buffer.Stop()
	auditLog.Stop()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info("Shutdown complete")
}

// initRedis connects the shared redis client, or returns nil when nothing in
// the configuration needs one.
func initRedis(cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	needed := cfg.Cache.Backend == "redis" || cfg.DLQ.Backend == "redis"
	if !needed {
		return nil, nil
	}

	url := cfg.CacheRedisURL()
	if url == "" {
		return nil, fmt.Errorf("redis backend selected but no redis url configured")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize != 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Info("Redis connected", zap.Int("db", opt.DB), zap.Int("pool_size", opt.PoolSize))
	return client, nil
}

func initDLQStore(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, log *zap.Logger) (dlq.Store, error) {
	switch cfg.DLQ.Backend {
	case "file":
		return dlq.NewFileStore(&dlq.FileConfig{
			Dir:      cfg.DLQ.FileDir,
			MaxFiles: cfg.DLQ.MaxFiles,
			Logger:   log,
		})
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("dlq backend is redis but no redis client is configured")
		}
		return dlq.NewRedisStore(&dlq.RedisConfig{
			Client:     redisClient,
			KeyPrefix:  cfg.Cache.KeyPrefix,
			MaxEntries: cfg.DLQ.MaxEntries,
			Logger:     log,
		}), nil
	default:
		return dlq.NewDatabaseStore(&dlq.DatabaseConfig{
			DB:         db,
			MaxEntries: cfg.DLQ.MaxEntries,
			Logger:     log,
		}), nil
	}
}

func newDLQWorker(cfg *config.Config, store dlq.Store, log *zap.Logger) *dlq.Worker {
	wc := &dlq.WorkerConfig{
		Store:               store,
		Logger:              log,
		Interval:            cfg.DLQ.Retry.Interval,
		BatchSize:           cfg.DLQ.Retry.BatchSize,
		MaxRetries:          cfg.DLQ.Retry.MaxRetries,
		InitialDelay:        cfg.DLQ.Retry.InitialDelay,
		Multiplier:          cfg.DLQ.Retry.Multiplier,
		MaxDelay:            cfg.DLQ.Retry.MaxDelay,
		DispatchConcurrency: cfg.DLQ.Retry.DispatchConcurrency,
		DisableReplay:       !cfg.DLQ.Retry.Enabled,
	}
	if cfg.DLQ.Prune.Enabled {
		wc.PruneInterval = cfg.DLQ.Prune.Interval
		wc.PruneAge = cfg.DLQ.Prune.OlderThan
	}
	return dlq.NewWorker(wc)
}
