package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/party-app/internal/config"
	"github.com/whisper/party-app/internal/gateway"
	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/messaging"
	"github.com/whisper/party-app/internal/metrics"
	"github.com/whisper/party-app/internal/penalty"
	"github.com/whisper/party-app/internal/ratelimit"
	"github.com/whisper/party-app/internal/session"
	"github.com/whisper/party-app/internal/ws"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Configure(log.Config{Service: "party-gateway"})
		logger := log.WithComponent("main")
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "party-gateway"})
	logger := log.WithComponent("main")

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}
	cancel()

	// --- NATS ---
	natsClient, err := messaging.NewNATSClient(cfg.NATS("party-gateway-" + cfg.ServerName))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	gw := gateway.New(
		natsClient,
		session.NewStore(rdb, cfg.ServerName),
		ratelimit.NewLimiter(rdb),
		penalty.NewStore(rdb),
	)
	gw.SetConnectLimit(cfg.ConnectLimit)
	server := ws.NewServer(cfg.Server(), gw.Hooks())
	gw.SetSender(server)
	server.Handle("/metrics", metrics.Handler())

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Int("connect_limit", cfg.ConnectLimit).
		Str("nats_url", cfg.NATSURL).
		Str("redis_addr", cfg.RedisAddr).
		Str("server_name", cfg.ServerName).
		Msg("party gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("received signal, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			exitCode = 1
		}
	}

	// Connections are closed before NATS so disconnect hooks can still
	// publish leaves.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	cancel()
	natsClient.Close()
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("redis close")
	}
	os.Exit(exitCode)
}
