package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/syncparty/go/internal/config"
	"github.com/mcdev12/syncparty/go/internal/room/channel"
	"github.com/mcdev12/syncparty/go/internal/room/gateway"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	backend, cleanup, err := setupBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up room backend")
	}
	defer cleanup()

	log.Info().
		Str("backend", string(cfg.GatewayBackend)).
		Str("port", cfg.GatewayPort).
		Msg("starting room gateway")

	gatewayService := gateway.NewService(gateway.DefaultConfig(), backend)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.GatewayPort),
		Handler:     gatewayService.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gatewayService.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("room gateway stopped with error")
	}
	log.Info().Msg("room gateway shutdown complete")
}

func setupBackend(cfg config.Config) (gateway.Backend, func(), error) {
	clock := clockwork.NewRealClock()

	switch cfg.GatewayBackend {
	case config.TransportNATS:
		return gateway.NATSBackend(cfg.NATSConfig(), clock), func() {}, nil

	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.RedisAddr, err)
		}
		return gateway.RedisBackend(rdb, cfg.RedisConfig(), clock), func() { _ = rdb.Close() }, nil

	default:
		return gateway.MemoryBackend(channel.NewMemoryBus()), func() {}, nil
	}
}
