package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aimaestro/gpuproxy/config"
	"github.com/aimaestro/gpuproxy/db"
	"github.com/aimaestro/gpuproxy/gpu"
	"github.com/aimaestro/gpuproxy/metrics"
	"github.com/aimaestro/gpuproxy/proxy"
	"github.com/aimaestro/gpuproxy/server"
	"github.com/aimaestro/gpuproxy/services"
	"github.com/aimaestro/gpuproxy/ws"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("loading config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.OpenSQL(cfg.SQLDSN())
	if err != nil {
		log.Fatalw("connecting to assignment database", "error", err)
	}
	defer sqlDB.Close()

	redisClient, err := db.OpenRedis(ctx, cfg.RedisAddr())
	if err != nil {
		log.Fatalw("connecting to redis", "error", err)
	}
	defer redisClient.Close()

	if err := metrics.Init(prometheus.DefaultRegisterer); err != nil {
		log.Fatalw("registering metrics", "error", err)
	}

	lockStore := gpu.NewRedisStore(redisClient)
	locks := gpu.NewManager(lockStore, log)

	sub := redisClient.Subscribe(ctx, gpu.FreedChannel)
	defer sub.Close()
	go gpu.RunRelay(ctx, sub.Channel(), locks, log)

	sweeper := gpu.NewSweeper(locks, cfg.SweepInterval, cfg.LockTimeout, log)
	go sweeper.Run(ctx)

	cache := services.NewRedisCache(redisClient)
	assignments := services.NewAssignmentStore(sqlDB, cache, cfg.CacheTTL, cfg.ContainerCacheTTL, log)

	scheduler := services.NewScheduler(assignments, locks, cfg.Strategy, log)
	go scheduler.Run(ctx)

	router := proxy.NewRouter(&http.Client{}, log)
	reservation := ws.NewHandler(scheduler, locks, cfg.PingInterval, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.New(cfg, scheduler, assignments, locks, router, reservation, log).Routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("shutting down server", "error", err)
		}
	}()

	log.Infow("gpu proxy listening", "port", cfg.Port, "strategy", cfg.Strategy)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("server failed", "error", err)
	}
	log.Infow("gpu proxy stopped")
}
