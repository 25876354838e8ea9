package gateway

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/syncparty/go/internal/room/channel"
)

// Backend opens the room channel that carries a room's traffic between gateway
// instances. The gateway owns the returned channel and closes it when the room
// empties.
type Backend func(ctx context.Context, roomID string) (channel.Channel, error)

// MemoryBackend keeps rooms inside this process
func MemoryBackend(bus *channel.MemoryBus) Backend {
	return func(_ context.Context, roomID string) (channel.Channel, error) {
		return bus.Channel(roomID), nil
	}
}

// NATSBackend relays rooms over NATS core subjects with presence in JetStream KV
func NATSBackend(config channel.NATSConfig, clock clockwork.Clock) Backend {
	return func(ctx context.Context, roomID string) (channel.Channel, error) {
		return channel.DialNATS(ctx, roomID, config, clock)
	}
}

// RedisBackend relays rooms over Redis pub/sub with presence in Redis hashes
func RedisBackend(rdb *redis.Client, config channel.RedisConfig, clock clockwork.Clock) Backend {
	return func(ctx context.Context, roomID string) (channel.Channel, error) {
		return channel.DialRedis(ctx, roomID, rdb, config, clock)
	}
}
