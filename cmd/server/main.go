package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/api"
	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/sync"
)

func main() {
	configPath := flag.String("config", envOr("POSSYNC_CONFIG", "config.yaml"), "path to the config file")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting POS Sync Service",
		zap.String("storage", cfg.StateStorage.Type),
		zap.Bool("realtime", cfg.Sync.Realtime),
	)

	// Init State Store
	stateStore, err := store.Open(cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}

	// Init Sync Manager; it owns the store from here on.
	syncManager, err := sync.NewManager(cfg, stateStore)
	if err != nil {
		stateStore.Close()
		logger.Log.Fatal("Failed to init sync manager", zap.Error(err))
	}
	defer syncManager.Close()

	if err := syncManager.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync manager", zap.Error(err))
	}

	// Log level follows the config file without a restart.
	err = config.WatchConfig(*configPath, func(next *config.Config, err error) {
		if err != nil {
			logger.Log.Warn("Ignoring config reload", zap.Error(err))
			return
		}
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			logger.Log.Warn("Ignoring log level", zap.String("level", next.Logging.Level), zap.Error(err))
			return
		}
		logger.Log.Info("Config reloaded", zap.String("logLevel", next.Logging.Level))
	})
	if err != nil {
		logger.Log.Warn("Config watch disabled", zap.Error(err))
	}

	// Init API
	handler := api.NewHandler(syncManager, cfg)
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
	syncManager.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
