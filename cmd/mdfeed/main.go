package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mdfeed/config"
	"mdfeed/internal/api"
	"mdfeed/internal/binance"
	"mdfeed/internal/gateway"
	"mdfeed/internal/ingest"
	"mdfeed/internal/logger"
	"mdfeed/internal/metrics"
	"mdfeed/internal/model"
	redisstore "mdfeed/internal/store/redis"
	sqlitestore "mdfeed/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.Init("mdfeed", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "symbols", cfg.Symbols, "interval", cfg.Interval)

	iv, err := model.ParseInterval(cfg.Interval)
	if err != nil {
		log.Error("bad interval", "err", err)
		os.Exit(1)
	}
	symbols := cfg.ParseSymbols()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prom, health, log)
	metricsSrv.Start()

	// ---- SQLite repository ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	repo, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath}, log)
	if err != nil {
		log.Error("sqlite init failed", "err", err)
		os.Exit(1)
	}
	defer repo.Close()
	health.SetSQLiteOK(true)

	// ---- Redis cache (optional) ----
	var cache *redisstore.Cache
	if cfg.RedisAddr != "" {
		cache, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, log)
		if err != nil {
			log.Warn("redis init failed, continuing without cache", "err", err)
		} else {
			health.SetRedisConnected(true)
			defer cache.Close()
		}
	}
	if cache != nil {
		health.StartLivenessChecker(ctx, cache.Client(), repo.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, repo.DB(), 10*time.Second)
	}

	// ---- Client WebSocket gateway ----
	gwCfg := gateway.Config{
		PingPeriod:  time.Duration(cfg.PingPeriodMs) * time.Millisecond,
		PongTimeout: time.Duration(cfg.PongTimeoutMs) * time.Millisecond,
		IdleTimeout: time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		Queue: gateway.SendQueueConfig{
			MaxMessages:  cfg.QueueMaxMessages,
			MaxBytes:     cfg.QueueMaxBytes,
			StallTimeout: time.Duration(cfg.QueueStallMs) * time.Millisecond,
		},
	}
	gw := gateway.NewServer(gwCfg, prom, log)
	go gw.Run(ctx)

	// ---- Exchange clients ----
	rest := binance.NewRestClient(cfg.BinanceRestURL, log)
	stream := binance.NewStreamClient(cfg.BinanceWSURL, log)
	stream.OnReconnectAttempt = func(attempt int) {
		if attempt > 1 {
			prom.ReconnectAttempts.Inc()
		}
	}
	stream.OnState = func(up bool) {
		health.SetWSConnected(up)
		if up {
			prom.WSState.Set(1)
		} else {
			prom.WSState.Set(0)
		}
	}

	// ---- Ingestor ----
	ingCfg := ingest.Config{
		Symbols:         symbols,
		Interval:        iv,
		EmitPartials:    cfg.EmitPartials,
		PartialThrottle: cfg.PartialThrottle(),
	}
	var latest model.LatestStore
	if cache != nil {
		latest = cache
	}
	ing := ingest.New(ingCfg, repo, latest, rest, stream, gw, prom, log)
	ing.Health = health
	if err := ing.Start(ctx); err != nil {
		log.Error("ingestor start failed", "err", err)
		os.Exit(1)
	}

	// ---- Stream freshness gauge ----
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if age := stream.LastMessageAge(); age >= 0 {
					prom.LastMsgAgeMs.Set(float64(age.Milliseconds()))
				}
			}
		}
	}()

	// ---- HTTP server (REST + /ws) ----
	var latestSrc api.LatestSource
	if cache != nil {
		latestSrc = cache
	}
	router := api.NewRouter(repo, latestSrc, prom, log, gw.HandleWS)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Info("shutdown signal received")
	cancel()
	ing.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Info("shutdown complete")
}
