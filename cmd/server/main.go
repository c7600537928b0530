package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"pos-offline-sync/internal/api"
	"pos-offline-sync/internal/cache"
	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/database"
	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/offline"
	"pos-offline-sync/internal/sync"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	pflag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting POS offline service",
		zap.String("store", cfg.Store.Backend),
		zap.String("remote", cfg.Remote.Type),
		zap.Int64("cache_version", cfg.Cache.Version),
	)

	sender, err := newSender(cfg.Remote)
	if err != nil {
		logger.Log.Fatal("Failed to init remote sender", zap.Error(err))
	}
	deps := offline.Deps{Sender: sender}

	if cfg.Cache.Storage == "redis" {
		client := database.NewRedisClient(cfg.Cache.Redis)
		defer client.Close()
		deps.CacheStorage = cache.NewRedisStorage(client, cfg.Cache.Redis.KeyPrefix)
	}

	coord := offline.New(cfg, deps)
	if err := coord.Start(context.Background()); err != nil {
		logger.Log.Fatal("Failed to start coordinator", zap.Error(err))
	}

	// Init API
	handler := api.NewHandler(cfg.Server, coord)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
	coord.Stop()
	if c, ok := sender.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Log.Error("Failed to close remote sender", zap.Error(err))
		}
	}
}

// newSender builds the remote sync target. Database targets connect on
// first flush so the till starts offline.
func newSender(cfg config.RemoteConfig) (sync.Sender, error) {
	switch cfg.Type {
	case "http":
		return sync.NewHTTPSender(cfg)
	case "mysql":
		return sync.NewLazySender("mysql", func(ctx context.Context) (sync.Sender, error) {
			return sync.NewMySQLSender(ctx, cfg.MySQL)
		}), nil
	case "mongo":
		return sync.NewLazySender("mongo", func(ctx context.Context) (sync.Sender, error) {
			return sync.NewMongoSender(ctx, cfg.Mongo)
		}), nil
	default:
		return nil, nil
	}
}
