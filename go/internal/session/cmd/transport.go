package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncparty/go/internal/config"
	"github.com/mcdev12/syncparty/go/internal/room/channel"
)

// openChannel builds the room channel for the configured transport. The returned
// cleanup releases anything the channel does not own.
func openChannel(ctx context.Context, cfg config.Config, roomID string, clock clockwork.Clock) (channel.Channel, func(), error) {
	switch cfg.Transport {
	case config.TransportMemory:
		log.Warn().Msg("memory transport only reaches participants in this process")
		return channel.NewMemoryBus().Channel(roomID), func() {}, nil

	case config.TransportNATS:
		ch, err := channel.DialNATS(ctx, roomID, cfg.NATSConfig(), clock)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() {}, nil

	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ch, err := channel.DialRedis(ctx, roomID, rdb, cfg.RedisConfig(), clock)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return ch, func() { _ = rdb.Close() }, nil

	case config.TransportWebSocket:
		return channel.NewWebSocket(roomID, cfg.WebSocketConfig()), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
