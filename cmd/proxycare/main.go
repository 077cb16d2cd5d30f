package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/api"
	"github.com/EPguitars/proxycare/internal/auth"
	"github.com/EPguitars/proxycare/internal/buildinfo"
	"github.com/EPguitars/proxycare/internal/cache"
	"github.com/EPguitars/proxycare/internal/codec"
	"github.com/EPguitars/proxycare/internal/config"
	"github.com/EPguitars/proxycare/internal/lease"
	"github.com/EPguitars/proxycare/internal/pool"
	"github.com/EPguitars/proxycare/internal/refill"
	"github.com/EPguitars/proxycare/internal/registry"
	"github.com/EPguitars/proxycare/internal/scanloop"
	"github.com/EPguitars/proxycare/internal/session"
	"github.com/EPguitars/proxycare/internal/store"
	"github.com/EPguitars/proxycare/internal/unblock"
)

const recordIndexCapacity = 100_000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load and validate environment config.
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("proxycare starting",
		zap.String("version", buildinfo.Version),
		zap.String("commit", buildinfo.GitCommit),
		zap.String("build_time", buildinfo.BuildTime))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Authoritative store: migrate, connect, bootstrap the root user.
	if err := store.Migrate(cfg.DatabaseURL()); err != nil {
		return err
	}
	st, err := store.New(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	authSvc := auth.New(st, cfg.SharedSecret, cfg.AccessTokenExpire, logger)
	if err := authSvc.EnsureRootUser(ctx, cfg.RootUser, cfg.RootPassword); err != nil {
		return err
	}

	// 3. Warm cache and the in-memory lease machinery.
	warm := cache.New(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, logger)
	defer warm.Close()

	pools := pool.NewManager()
	index, err := pool.NewRecordIndex(recordIndexCapacity)
	if err != nil {
		return err
	}
	defer index.Close()

	reg := registry.New(logger)

	leases := lease.NewScheduler(pools, logger)
	leases.Start()
	defer leases.Stop()

	bootstrap := refill.NewBootstrap(pools, index, warm, st, logger)
	if _, err := bootstrap.RefreshAll(ctx); err != nil {
		// An empty or briefly unreachable store is not fatal; pools refill
		// on demand once clients connect.
		logger.Warn("initial pool load failed", zap.Error(err))
	}

	coordinator := refill.New(pools, index, warm, st, cfg.RefillBatchSize, cfg.RefillCacheTTL, logger)

	var sealer session.Codec
	if c, err := codec.New(cfg.EncryptionKey); err != nil {
		logger.Warn("credential codec disabled, leases go out in plaintext", zap.Error(err))
	} else {
		sealer = c
	}

	engine := session.NewEngine(pools, index, reg, leases, coordinator, coordinator,
		st, sealer, cfg.SharedSecret, logger)

	// 4. Background jobs: stale-lease unblock sweep and cache refresher.
	sweep := unblock.New(st, cfg.UnblockAfter, cfg.UnblockEvery, logger)
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop()

	refreshStop := make(chan struct{})
	go scanloop.Run(refreshStop, cfg.CacheRefresh, scanloop.DefaultJitterRange, func() {
		rctx, rcancel := context.WithTimeout(context.Background(), time.Minute)
		defer rcancel()
		if n, err := warm.LoadAllFromStore(rctx, st); err != nil {
			logger.Warn("cache refresh failed", zap.Error(err))
		} else {
			logger.Debug("cache refreshed", zap.Int("proxies", n))
		}
	})
	defer close(refreshStop)

	// 5. HTTP server: control plane plus the WebSocket streaming routes.
	srv := api.NewServer(cfg.ListenAddress, cfg.Port, engine, bootstrap,
		pools, index, reg, st, authSvc, logger)

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddress), zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
