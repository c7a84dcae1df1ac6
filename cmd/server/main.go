package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/christopherjohns/huddle/internal/config"
	"github.com/christopherjohns/huddle/internal/logging"
	"github.com/christopherjohns/huddle/internal/server"
	"github.com/christopherjohns/huddle/internal/storage/sqlite"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	var opts []server.Option
	var closers []func() error

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Error("connect to redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		opts = append(opts, server.WithRedis(rdb))
		closers = append(closers, rdb.Close)
	}

	if cfg.SQLitePath != "" {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			logger.Error("open sqlite", "path", cfg.SQLitePath, "err", err)
			os.Exit(1)
		}
		logger.Info("opened sqlite store", "path", cfg.SQLitePath)
		opts = append(opts, server.WithSQLite(store))
		closers = append(closers, store.Close)
	}

	srv, err := server.New(cfg, logger, opts...)
	if err != nil {
		logger.Error("build server", "err", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"huddle": func(ctx context.Context) error {
				logger.Info("shutting down")
				errs := []error{srv.Shutdown(ctx)}
				for _, c := range closers {
					errs = append(errs, c())
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("exited", "code", exitCode)
	os.Exit(exitCode)
}
