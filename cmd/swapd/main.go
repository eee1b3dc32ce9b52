package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"midswap/chain"
	"midswap/config"
	"midswap/escrow"
	"midswap/gateway"
	"midswap/observability/logging"
	"midswap/observability/metrics"
	"midswap/ratelimit"
	"midswap/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Setup("swapd", "").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("swapd", cfg.Server.Env)

	var kv storage.KV
	if cfg.Store.InMemory {
		logger.Warn("using in-memory store; offers will not survive a restart")
		kv = storage.NewMemoryKV()
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		kv = storage.NewRedisKV(client)
	}

	chainClient := chain.NewClient(cfg.Chain.RPCURL, cfg.Chain.ParseURL, cfg.Policy.EscrowWallet)
	custodyClient := chain.NewCustodyClient(cfg.Custody.URL, cfg.Custody.AuthToken)

	engine, err := escrow.NewEngine(kv, custodyClient, chainClient, cfg.EnginePolicy(), logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(kv, logger)
	limits := gateway.DefaultLimits()
	if cfg.Limits.CreatePerMinute > 0 {
		limits.Create.Limit = cfg.Limits.CreatePerMinute
	}
	if cfg.Limits.AcceptPerMinute > 0 {
		limits.Accept.Limit = cfg.Limits.AcceptPerMinute
	}
	if cfg.Limits.CancelPerMinute > 0 {
		limits.Cancel.Limit = cfg.Limits.CancelPerMinute
	}
	if cfg.Limits.RetryPerMinute > 0 {
		limits.RetryRelease.Limit = cfg.Limits.RetryPerMinute
	}
	if cfg.Limits.AdminPerMinute > 0 {
		limits.AdminRelease.Limit = cfg.Limits.AdminPerMinute
	}

	server := gateway.NewServer(engine, limiter, limits, cfg.Server.AdminSecret, cfg.Server.CleanupSecret, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", otelhttp.NewHandler(server.Router(), "swapd.api"))
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := escrow.NewReconcileLoop(engine, time.Duration(cfg.Cleanup.IntervalSeconds)*time.Second, logger)
	go loop.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
