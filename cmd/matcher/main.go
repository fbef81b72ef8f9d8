package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/party-app/internal/config"
	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/matching"
	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/metrics"
	"github.com/whisper/party-app/internal/profile"
)

func main() {
	cfg, err := config.LoadMatcher()
	if err != nil {
		log.Configure(log.Config{Service: "party-matcher"})
		logger := log.WithComponent("main")
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "party-matcher"})
	logger := log.WithComponent("main")

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}
	cancel()

	// NATS setup.
	natsClient, err := messaging.NewNATSClient(cfg.NATS("party-matcher"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	profiles := profile.NewCache(profile.NewStore(rdb, 0), cfg.ProfileTTL)
	coord := matching.NewCoordinator(
		profiles,
		matching.NewNATSNotifier(natsClient),
		matching.NewNATSHandOff(natsClient),
		matching.Options{Tuning: cfg.Tuning(), Activities: cfg.Activities},
	)
	svc := matching.NewService(coord, natsClient, profiles)
	if err := svc.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start request service")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
			matching.Stats
		}{Status: "ok", Stats: coord.Stats()})
	})
	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("metrics_addr", cfg.MetricsAddr).
		Int("activities", len(cfg.Activities)).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("party matcher running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coord.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("matcher stopped with error")
	}

	natsClient.Close()
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("redis close")
	}
	if ctx.Err() == nil {
		os.Exit(1)
	}
}
