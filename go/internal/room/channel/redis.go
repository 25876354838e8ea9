package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds configuration for the Redis transport
type RedisConfig struct {
	Addr        string
	PresenceTTL time.Duration // liveness key lifetime; refreshed at a third of it
	OutboxSize  int
}

// DefaultRedisConfig returns default Redis transport configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		PresenceTTL: 30 * time.Second,
		OutboxSize:  DefaultOutboxSize,
	}
}

func syncChannelKey(roomID string) string     { return events.ChannelName(roomID) + ":sync" }
func presenceChannelKey(roomID string) string { return events.ChannelName(roomID) + ":presence" }
func membersKey(roomID string) string         { return "presence:room:" + roomID }
func memberKey(roomID, participantID string) string {
	return "presence:member:" + roomID + ":" + participantID
}

// Redis carries sync events over PUBLISH/SUBSCRIBE. Presence is a hash of records
// plus one TTL key per member; a member whose TTL key has expired is pruned on the
// next reload. Changes are announced on a separate presence channel.
type Redis struct {
	*core
	rdb    *redis.Client
	config RedisConfig
	clock  clockwork.Clock
	outbox *outbox

	ctx    context.Context
	cancel context.CancelFunc

	subMu  sync.Mutex
	pubsub *redis.PubSub
}

var _ Channel = (*Redis)(nil)

// DialRedis checks the connection and returns a channel for roomID
func DialRedis(ctx context.Context, roomID string, rdb *redis.Client, config RedisConfig, clock clockwork.Clock) (*Redis, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	c := &Redis{
		core:   newCore(roomID),
		rdb:    rdb,
		config: config,
		clock:  clock,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.outbox = newOutbox(roomID, config.OutboxSize, c.send, func(err error) {
		c.setStatus(StatusErrored, err)
	})
	go c.outbox.run(c.ctx)
	go c.refreshPresence(c.ctx)
	return c, nil
}

func (c *Redis) send(ctx context.Context, data []byte) error {
	return c.rdb.Publish(ctx, syncChannelKey(c.roomID), data).Err()
}

// Publish queues ev for the room channel
func (c *Redis) Publish(ev events.SyncEvent) {
	if c.isClosed() {
		return
	}
	data, err := events.Encode(ev)
	if err != nil {
		log.Warn().Err(err).Str("room_id", c.roomID).Msg("refusing to publish invalid event")
		return
	}
	c.outbox.enqueue(data)
}

// Subscribe subscribes to the sync and presence channels of the room
func (c *Redis) Subscribe(ctx context.Context, onEvent EventHandler) (Subscription, error) {
	gen, err := c.bind(onEvent)
	if err != nil {
		return nil, err
	}
	c.setStatus(StatusConnecting, nil)

	pubsub := c.rdb.Subscribe(ctx, syncChannelKey(c.roomID), presenceChannelKey(c.roomID))
	// Wait for confirmation that subscription is created before publishing anything.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		c.unbind(gen)
		c.setStatus(StatusErrored, err)
		return nil, fmt.Errorf("subscribe to room: %w", err)
	}

	if err := c.reloadPresence(ctx); err != nil {
		log.Warn().Err(err).Str("room_id", c.roomID).Msg("failed to load presence")
	}
	c.swapPubSub(pubsub)
	c.setStatus(StatusSubscribed, nil)

	go c.receive(gen, pubsub)

	return newSubscription(func() error {
		c.subMu.Lock()
		if c.pubsub == pubsub {
			c.pubsub = nil
		}
		c.subMu.Unlock()
		err := pubsub.Close()
		if c.unbind(gen) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c.untrackAll(ctx)
			c.setStatus(StatusClosed, nil)
		}
		return err
	}), nil
}

// swapPubSub installs the live subscription and closes the one it replaces
func (c *Redis) swapPubSub(pubsub *redis.PubSub) {
	c.subMu.Lock()
	prev := c.pubsub
	c.pubsub = pubsub
	c.subMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (c *Redis) receive(gen uint64, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		switch msg.Channel {
		case syncChannelKey(c.roomID):
			c.deliver(gen, []byte(msg.Payload))
		case presenceChannelKey(c.roomID):
			if err := c.reloadPresence(c.ctx); err != nil {
				log.Warn().Err(err).Str("room_id", c.roomID).Msg("failed to reload presence")
			}
		}
	}
	if c.current(gen) && !c.isClosed() {
		c.setStatus(StatusErrored, errors.New("redis subscription ended"))
	}
}

// reloadPresence reads the member hash, drops members whose liveness key expired,
// and publishes the resulting snapshot
func (c *Redis) reloadPresence(ctx context.Context) error {
	records, err := c.rdb.HGetAll(ctx, membersKey(c.roomID)).Result()
	if err != nil {
		return fmt.Errorf("read members: %w", err)
	}

	ids := make([]string, 0, len(records))
	existsCmds := make([]*redis.IntCmd, 0, len(records))
	pipe := c.rdb.Pipeline()
	for id := range records {
		ids = append(ids, id)
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(c.roomID, id)))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("check member liveness: %w", err)
		}
	}

	members := make(events.Members, len(ids))
	var dead []string
	for i, id := range ids {
		if existsCmds[i].Val() != 1 {
			dead = append(dead, id)
			continue
		}
		var p events.Presence
		if err := json.Unmarshal([]byte(records[id]), &p); err != nil {
			dead = append(dead, id)
			continue
		}
		members[id] = p
	}
	if len(dead) > 0 {
		if err := c.rdb.HDel(ctx, membersKey(c.roomID), dead...).Err(); err != nil {
			log.Warn().Err(err).Str("room_id", c.roomID).Msg("failed to prune dead members")
		}
	}

	c.setMembers(members)
	return nil
}

func (c *Redis) write(ctx context.Context, p events.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, membersKey(c.roomID), p.ParticipantID, data)
	pipe.Set(ctx, memberKey(c.roomID, p.ParticipantID), "1", c.config.PresenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Track records p and announces the change
func (c *Redis) Track(ctx context.Context, p events.Presence) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if err := c.write(ctx, p); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	c.remember(p)
	return c.rdb.Publish(ctx, presenceChannelKey(c.roomID), p.ParticipantID).Err()
}

// Untrack removes a participant and announces the change
func (c *Redis) Untrack(ctx context.Context, participantID string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.forget(participantID)
	return c.remove(ctx, participantID)
}

func (c *Redis) remove(ctx context.Context, participantID string) error {
	pipe := c.rdb.Pipeline()
	pipe.HDel(ctx, membersKey(c.roomID), participantID)
	pipe.Del(ctx, memberKey(c.roomID, participantID))
	pipe.Publish(ctx, presenceChannelKey(c.roomID), participantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

func (c *Redis) untrackAll(ctx context.Context) {
	for _, p := range c.trackedPresences() {
		c.forget(p.ParticipantID)
		if err := c.remove(ctx, p.ParticipantID); err != nil {
			log.Warn().Err(err).Str("participant_id", p.ParticipantID).Msg("failed to remove presence")
		}
	}
}

func (c *Redis) refreshPresence(ctx context.Context) {
	interval := c.config.PresenceTTL / 3
	if interval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, p := range c.trackedPresences() {
				if err := c.write(ctx, p); err != nil {
					log.Warn().Err(err).Str("participant_id", p.ParticipantID).Msg("failed to refresh presence")
				}
			}
			if err := c.reloadPresence(ctx); err != nil {
				log.Warn().Err(err).Str("room_id", c.roomID).Msg("failed to reload presence")
			}
		}
	}
}

// Close removes tracked presence and stops background work. The redis client is
// owned by the caller and stays open.
func (c *Redis) Close() error {
	if !c.markClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.untrackAll(ctx)
	c.swapPubSub(nil)
	c.outbox.close()
	c.cancel()
	c.setStatus(StatusClosed, nil)
	return nil
}
