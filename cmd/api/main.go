package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/mcclellann/groupfund/pkg/config"
	"github.com/mcclellann/groupfund/pkg/ledger"
	"github.com/mcclellann/groupfund/pkg/lock"
	"github.com/mcclellann/groupfund/pkg/store"
)

// openStorage builds the configured backend.
func openStorage(cfg *config.Config) (store.Storage, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := store.OpenPostgres(cfg.DatabaseURL, cfg.Verbose)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// openLocker uses Redis when configured so several API instances serialize on the same keys.
func openLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedis(client, lock.WithRedisLogger(logger)), func() { client.Close() }, nil
}

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := openStorage(cfg)
	if err != nil {
		logger.Error("opening store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		logger.Error("connecting to redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	l := ledger.NewLedger(storage, ledger.WithLocker(locker), ledger.WithLogger(logger))
	server := NewServer(l, logger)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handlers.CombinedLoggingHandler(os.Stdout, recovery(server.Router())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	startScheduler(ctx, l, cfg.SchedulerInterval, logger)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "store", cfg.Store, "redis", cfg.RedisAddr != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exited")
}
