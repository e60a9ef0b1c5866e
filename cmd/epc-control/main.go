package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"epc-control/internal/checkin"
	"epc-control/internal/config"
	"epc-control/internal/httpapi"
	"epc-control/internal/ingest"
	"epc-control/internal/ratelimit"
	"epc-control/internal/store"
	"epc-control/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	db, err := store.OpenPostgres(
		cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName,
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled && cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Warn("redis unreachable, rate limiting disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			limiter = ratelimit.New(rdb, "epc:rl", ratelimit.LimiterConfig{
				RPS:   cfg.RateLimit.RPS,
				Burst: cfg.RateLimit.Burst,
			})
			slog.Info("rate limiting enabled", "rps", cfg.RateLimit.RPS, "burst", cfg.RateLimit.Burst)
		}
	}

	checkinSvc := checkin.New(repo)
	ingestor := &ingest.Ingestor{Repo: repo}

	sweeper := sweep.New(repo, sweep.Options{
		StuckGrace:       cfg.StuckGrace(),
		MaxAttempts:      cfg.MaxAttempts,
		SampleRetention:  cfg.SampleRetention(),
		CommandRetention: cfg.CommandRetention(),
		Schedule:         cfg.SweepSchedule,
	})
	if err := sweeper.Start(context.Background()); err != nil {
		slog.Error("failed to start maintenance sweep", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	mux := http.NewServeMux()
	api := httpapi.NewServer(repo, checkinSvc, ingestor, httpapi.Options{
		OnlineThreshold: cfg.OnlineThreshold(),
		SampleRetention: cfg.SampleRetention(),
		JWTSecret:       cfg.JWTSecret,
		Limiter:         limiter,
	})
	api.Register(mux)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		slog.Info("epc control plane listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
