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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-duo-match/internal/config"
	"github.com/koopa0/system-design/14-duo-match/internal/directory"
	"github.com/koopa0/system-design/14-duo-match/internal/games"
	"github.com/koopa0/system-design/14-duo-match/internal/handler"
	"github.com/koopa0/system-design/14-duo-match/internal/leaderboard"
	"github.com/koopa0/system-design/14-duo-match/internal/registry"
	"github.com/koopa0/system-design/14-duo-match/internal/transport"
	"github.com/koopa0/system-design/14-duo-match/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "啟動配對伺服器",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		return serve(cmd.Context(), cfg)
	},
}

// serve 組裝所有元件並執行到收到關閉信號
func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(log)

	// 連接 Redis（選用）
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	catalog := games.Default()

	hub := transport.NewHub(transport.Options{
		AllowedOrigin: cfg.Server.AllowedOrigin,
	}, log.With("component", "transport"))

	dir := directory.New(hub, directory.Options{
		Kinds:           catalog.RoomNames(),
		MaxRooms:        cfg.Room.MaxRooms,
		Countdown:       cfg.Room.Countdown,
		EmptyTTL:        cfg.Room.EmptyTTL,
		MaxLifetime:     cfg.Room.MaxLifetime,
		CleanupInterval: cfg.Room.CleanupInterval,
		SeatHold:        cfg.Room.SeatHold,
	}, log.With("component", "directory"))

	var store registry.Store
	if cfg.Registry.Backend == "redis" {
		store = registry.NewRedisStore(rdb, cfg.Registry.KeyPrefix)
	}
	reg := registry.New(store, dir, registry.Options{
		TTL: cfg.Registry.TTL,
	}, log.With("component", "registry"))

	var board *leaderboard.Board
	if rdb != nil && cfg.Leaderboard.Enabled {
		board = leaderboard.New(rdb, leaderboard.Options{
			MinDuration: cfg.Leaderboard.MinDuration,
			MaxDuration: cfg.Leaderboard.MaxDuration,
			MaxLimit:    cfg.Leaderboard.MaxLimit,
		}, log.With("component", "leaderboard"))
	}

	h := handler.New(handler.Deps{
		Registry:     reg,
		Rooms:        dir,
		Hub:          hub,
		Games:        catalog,
		Board:        board,
		Origin:       cfg.Server.AllowedOrigin,
		SecureCookie: cfg.Server.SecureCookie,
	}, log.With("component", "http"))

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"addr", srv.Addr,
			"registry_backend", cfg.Registry.Backend,
			"code_ttl", cfg.Registry.TTL,
			"leaderboard", board != nil)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
		hub.Stop()

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 先關閉 WebSocket，Shutdown 不會等待已升級的連線
		hub.Stop()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	reg.Close()
	dir.Stop()

	log.Info("server stopped")
	return runErr
}
