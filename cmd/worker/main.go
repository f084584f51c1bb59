package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/database"
	"github.com/ScriptSmith/hadrian-sub008/internal/logger"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

// The worker binary replays dead letters against the database on its own
// schedule. Run it when the gateway's in-process retry loop is disabled, or
// to drain a backlog without routing the load through a serving instance.
func main() {
	var (
		configPath = flag.String("config", "", "Path to config file")
		listen     = flag.String("listen", ":8082", "Health and metrics listen address")
		once       = flag.Bool("once", false, "Process one batch and exit")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
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

	log.Info("Starting dlq worker",
		zap.String("dlq_backend", cfg.DLQ.Backend),
		zap.Duration("interval", cfg.DLQ.Retry.Interval),
		zap.Int("batch_size", cfg.DLQ.Retry.BatchSize))

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

	var redisClient *redis.Client
	if cfg.DLQ.Backend == "redis" {
		redisClient, err = initRedis(cfg)
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.Error(err))
		}
	}

	store, err := initStore(cfg, db, redisClient, log)
	if err != nil {
		log.Fatal("Failed to open dead letter queue", zap.Error(err))
	}

	// Replays insert straight into the database; the gateway's caches and
	// counters are not involved.
	auditLog := audit.NewLogger(&audit.Config{DB: db, DLQ: store, Logger: log})
	sink := usage.NewDatabaseSink(&usage.DatabaseSinkConfig{DB: db, DLQ: store, Logger: log})

	worker := dlq.NewWorker(&dlq.WorkerConfig{
		Store:               store,
		Logger:              log,
		Interval:            cfg.DLQ.Retry.Interval,
		BatchSize:           cfg.DLQ.Retry.BatchSize,
		MaxRetries:          cfg.DLQ.Retry.MaxRetries,
		InitialDelay:        cfg.DLQ.Retry.InitialDelay,
		Multiplier:          cfg.DLQ.Retry.Multiplier,
		MaxDelay:            cfg.DLQ.Retry.MaxDelay,
		DispatchConcurrency: cfg.DLQ.Retry.DispatchConcurrency,
		PruneInterval:       pruneInterval(cfg),
		PruneAge:            cfg.DLQ.Prune.OlderThan,
	})
	worker.RegisterHandler(dlq.TypeUsageLog, sink.ReplayHandler())
	worker.RegisterHandler(dlq.TypeAuditLog, auditLog.ReplayHandler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if err := worker.ProcessBatch(ctx); err != nil {
			log.Fatal("Batch failed", zap.Error(err))
		}
		auditLog.Stop()
		return
	}

	worker.Start(ctx)

	srv := &http.Server{
		Addr:    *listen,
		Handler: healthHandler(worker),
	}
	go func() {
		log.Info("Worker health server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Health server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Health server forced to shutdown", zap.Error(err))
	}

	cancel()
	worker.Stop()
	auditLog.Stop()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info("Worker shutdown complete")
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	url := cfg.CacheRedisURL()
	if url == "" {
		return nil, fmt.Errorf("dlq backend is redis but no redis url is configured")
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

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func initStore(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, log *zap.Logger) (dlq.Store, error) {
	switch cfg.DLQ.Backend {
	case "file":
		return dlq.NewFileStore(&dlq.FileConfig{
			Dir:      cfg.DLQ.FileDir,
			MaxFiles: cfg.DLQ.MaxFiles,
			Logger:   log,
		})
	case "redis":
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

func pruneInterval(cfg *config.Config) time.Duration {
	if !cfg.DLQ.Prune.Enabled {
		return 0
	}
	return cfg.DLQ.Prune.Interval
}

func healthHandler(worker *dlq.Worker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats, err := worker.Stats(ctx)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"depth":  stats.Depth,
			"types":  stats.RegisteredTypes,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
