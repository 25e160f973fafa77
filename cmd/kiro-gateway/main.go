// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xilu0/kiro-gateway/internal/auth"
	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/dispatch"
	"github.com/xilu0/kiro-gateway/internal/handler"
	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/pool"
	"github.com/xilu0/kiro-gateway/internal/store"
	"github.com/xilu0/kiro-gateway/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info("starting Kiro gateway",
		"port", cfg.Port,
		"storage", cfg.StorageBackend,
		"strategy", cfg.SelectionStrategy,
	)

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	strategy, err := pool.ParseStrategy(cfg.SelectionStrategy)
	if err != nil {
		logger.Error("invalid selection strategy", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	poolManager, err := pool.Load(ctx, pool.Options{
		Store:    st,
		Strategy: strategy,
		Logger:   logger,
	})
	cancel()
	if err != nil {
		logger.Error("failed to load account pool", "error", err)
		os.Exit(1)
	}
	logger.Info("account pool loaded", "accounts", poolManager.AccountCount())

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.RequestTimeout,
		Logger:              logger,
	})

	engine := dispatch.NewEngine(dispatch.Options{
		Pool:           poolManager,
		Client:         kiroClient,
		Logger:         logger,
		RetryBaseDelay: cfg.RetryDelay(),
		MaxRetries:     cfg.MaxRetries,
		UsageTracking:  cfg.UsageTracking,
	})

	chatHandler := handler.NewChatHandler(handler.ChatHandlerOptions{
		Engine: engine,
		Logger: logger,
	})

	loginHandler := handler.NewLoginHandler(handler.LoginHandlerOptions{
		Authorizer: auth.NewIDCAuthorizer(auth.IDCAuthorizerOptions{Logger: logger}),
		Pool:       poolManager,
		Client:     kiroClient,
		Region:     cfg.DefaultRegion,
		Logger:     logger,
	})

	accountsHandler := handler.NewAccountsHandler(poolManager, logger)

	passthrough := handler.NewPassthroughProxy(handler.PassthroughProxyOptions{
		Pool:   poolManager,
		Client: kiroClient,
		Region: cfg.DefaultRegion,
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /health", handler.NewHealthHandler(poolManager))
	mux.Handle("POST /v1/chat/completions", chatHandler)
	mux.Handle("POST /proxy/", http.StripPrefix("/proxy", passthrough))
	mux.Handle("GET /v1/accounts", accountsHandler)
	mux.Handle("DELETE /v1/accounts/{id}", accountsHandler)
	mux.HandleFunc("POST /v1/auth/start", loginHandler.Start)
	mux.HandleFunc("POST /v1/auth/poll", loginHandler.Poll)

	validateAPIKey := func(key string) bool {
		if cfg.APIKey == "" {
			return true
		}
		return key == cfg.APIKey
	}

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, logger)(httpHandler)
	if cfg.RequestLogging {
		httpHandler = middleware.Logging(logger)(httpHandler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	kiroClient.Close()
	if err := closeStore(); err != nil {
		logger.Error("failed to close storage", "error", err)
	}

	logger.Info("server stopped")
}

// openStore builds the configured storage backend and returns it with a
// close function for shutdown.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.StorageBackend {
	case config.StorageRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := store.NewRedisStore(ctx, store.RedisStoreOptions{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.RedisKeyPrefix,
			PoolSize:  cfg.RedisPoolSize,
			Timeout:   cfg.RedisTimeout,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		fs, err := store.NewFileStore(store.FileStoreOptions{
			Dir:    cfg.StorageDir,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return fs, func() error { return nil }, nil
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
