package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/sqlchat/internal/api"
	"github.com/duckmesh/sqlchat/internal/auth"
	"github.com/duckmesh/sqlchat/internal/chat"
	"github.com/duckmesh/sqlchat/internal/chat/memory"
	chatpostgres "github.com/duckmesh/sqlchat/internal/chat/postgres"
	"github.com/duckmesh/sqlchat/internal/config"
	"github.com/duckmesh/sqlchat/internal/export"
	"github.com/duckmesh/sqlchat/internal/nl2sql"
	"github.com/duckmesh/sqlchat/internal/observability"
	"github.com/duckmesh/sqlchat/internal/query/sqldb"
	s3store "github.com/duckmesh/sqlchat/internal/storage/s3"
	"github.com/duckmesh/sqlchat/internal/turnlock"
)

type conversationStore interface {
	chat.ConversationStore
	chat.MessageStore
}

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	readiness := []api.ReadinessCheck{api.CheckObjectStoreConfig(cfg)}

	var store conversationStore
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		memStore := memory.New()
		store = memStore
		readiness = append(readiness, memStore.Ping)
		logger.Warn("using in-memory conversation store; conversations are lost on restart")
	default:
		storeDB, err := chatpostgres.Open(startCtx, cfg.Store)
		if err != nil {
			logger.Error("failed to open conversation store", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = storeDB.Close() }()
		repo := chatpostgres.NewRepository(storeDB)
		store = repo
		readiness = append(readiness, repo.HealthCheck)
	}

	var objectStore *s3store.Store
	if cfg.ObjectStore.Enabled {
		objectStore, err = s3store.New(startCtx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		readiness = append(readiness, objectStore.HealthCheck)
	}

	warehouse, err := openWarehouse(startCtx, cfg, objectStore)
	if err != nil {
		logger.Error("failed to open warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = warehouse.Close() }()
	readiness = append(readiness, warehouse.HealthCheck)

	var generator nl2sql.Generator
	if cfg.AI.Enabled {
		generator, err = nl2sql.NewOpenAIGenerator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
			Dialect:     cfg.AI.Dialect,
			SchemaHint:  cfg.AI.SchemaHint,
		})
		if err != nil {
			logger.Error("failed to initialize sql generator", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("sql generation is disabled; questions will fail until SQLCHAT_AI_ENABLED is set")
	}

	var locker turnlock.Locker = turnlock.NewLocal()
	if cfg.Lock.RedisAddr != "" {
		redisLocker, redisClient := turnlock.NewRedis(turnlock.RedisConfig{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			TTL:      cfg.Lock.TTL,
		}, logger)
		defer func() { _ = redisClient.Close() }()
		locker = redisLocker
		readiness = append(readiness, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	deps := api.Dependencies{
		Logger: logger,
		Chat: &chat.Service{
			Conversations: store,
			Messages:      store,
			Generator:     generator,
			Engine:        warehouse,
			Locker:        locker,
			Config: chat.Config{
				ContextWindow:     cfg.Chat.ContextWindow,
				ListLimit:         cfg.Chat.ListLimit,
				GenerationTimeout: cfg.AI.Timeout,
				ExecutionTimeout:  cfg.Warehouse.QueryTimeout,
				RowLimit:          cfg.Warehouse.RowLimit,
			},
			Logger: logger,
		},
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if objectStore != nil {
		deps.Exporter = &export.Exporter{Store: objectStore, Logger: logger}
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("store", cfg.Store.Driver),
			slog.String("warehouse", cfg.Warehouse.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openWarehouse(ctx context.Context, cfg config.Config, objectStore *s3store.Store) (*sqldb.Engine, error) {
	engine, err := sqldb.Open(ctx, sqldb.Config{
		Driver:   cfg.Warehouse.Driver,
		DSN:      cfg.Warehouse.DSN,
		ReadOnly: cfg.Warehouse.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Warehouse.ParquetViews == "" {
		return engine, nil
	}
	if objectStore == nil {
		_ = engine.Close()
		return nil, errors.New("parquet views require the object store")
	}
	views, err := sqldb.ParseViews(cfg.Warehouse.ParquetViews)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	if err := engine.AttachParquetViews(ctx, objectStore, views); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return engine, nil
}
