// Package main is the entry point for the conductor daemon.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/api"
	"github.com/devicelab/conductor/internal/auth"
	"github.com/devicelab/conductor/internal/config"
	"github.com/devicelab/conductor/internal/dispatch"
	"github.com/devicelab/conductor/internal/executor"
	"github.com/devicelab/conductor/internal/images"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/multinode"
	"github.com/devicelab/conductor/internal/parser"
	"github.com/devicelab/conductor/internal/results"
	"github.com/devicelab/conductor/internal/scheduler"
	"github.com/devicelab/conductor/internal/tracing"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)

	logger.Info("starting conductor",
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreType),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()

	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:  "conductor",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TracingEnabled,
		SampleRate:   1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	}

	store := openStore(cfg, logger)
	defer store.Close()

	imageStore := openImageStore(ctx, cfg, logger)

	pool := allocator.NewPool()
	alloc := allocator.New(pool)
	coord := multinode.New()

	execCfg := &executor.Config{
		LoginRetries:      cfg.LoginRetries,
		LoginRetryTimeout: cfg.LoginRetryTimeout,
		ConnectionRetries: cfg.ConnectionRetries,
		FinalizeGrace:     cfg.FinalizeGrace,
		BarrierTimeout:    5 * time.Minute,
	}
	exec := executor.New(store, imageStore, coord, execCfg, logger)

	// Remote workers register their devices over the worker socket; jobs
	// whose device belongs to a worker are dispatched there, everything
	// else runs in-process.
	hub := dispatch.NewHub(store, pool, logger)
	driver := dispatch.NewSplitDriver(dispatch.NewLocalDriver(exec), hub)

	sched := scheduler.New(store, alloc, coord, driver, cfg.ScheduleInterval, logger)
	sched.SetMaxConcurrentJobs(cfg.MaxConcurrentJobs)
	schedCtx, stopSched := context.WithCancel(ctx)
	go sched.Run(schedCtx)

	logger.Info("scheduler started",
		slog.Duration("interval", cfg.ScheduleInterval),
		slog.Duration("default_job_timeout", cfg.DefaultJobTimeout),
	)

	var authn *auth.Authenticator
	if cfg.OIDCEnabled {
		authn, err = auth.New(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to initialize OIDC, refusing to start unauthenticated", "error", err)
			os.Exit(1)
		}
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(
		store,
		sched,
		parser.New(cfg.DefaultJobTimeout),
		results.NewCollector(store),
		pool,
		hub,
		authn,
		cfg,
		logger,
	)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	stopSched()
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}
	logger.Info("stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStore selects the job store backend, falling back to memory when a
// durable backend cannot be reached.
func openStore(cfg *config.Config, logger *slog.Logger) jobstore.JobStore {
	storeCfg := &jobstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTLSeconds:  int64(cfg.StoreTTL.Seconds()),
	}
	switch cfg.StoreType {
	case "redis":
		redisCfg := jobstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.TTL = cfg.StoreTTL
		store, err := jobstore.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			return jobstore.NewMemoryStore(storeCfg)
		}
		logger.Info("using Redis job store", slog.String("url", cfg.RedisURL))
		return store
	case "sqlite":
		store, err := jobstore.NewSQLiteStore(cfg.SQLitePath, storeCfg)
		if err != nil {
			logger.Error("failed to open SQLite, falling back to memory store", "error", err)
			return jobstore.NewMemoryStore(storeCfg)
		}
		logger.Info("using SQLite job store", slog.String("path", cfg.SQLitePath))
		return store
	default:
		logger.Info("using in-memory job store")
		return jobstore.NewMemoryStore(storeCfg)
	}
}

func openImageStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) images.Store {
	if cfg.ImageStoreType == "s3" {
		store, err := images.NewS3Store(ctx, &images.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UseSSL:          cfg.S3UseSSL,
			CacheDir:        cfg.ImageLocalRoot,
		})
		if err != nil {
			logger.Error("failed to initialize S3 image store, falling back to local", "error", err)
		} else {
			logger.Info("using S3 image store", slog.String("bucket", cfg.S3Bucket))
			return store
		}
	}
	logger.Info("using local image store", slog.String("root", cfg.ImageLocalRoot))
	return images.NewLocalStore(cfg.ImageLocalRoot)
}
