package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS transport
type NATSConfig struct {
	URL            string
	SubjectPrefix  string        // sync events go to <prefix>.<room>.sync
	PresenceBucket string        // JetStream KV bucket holding presence records
	PresenceTTL    time.Duration // records expire unless refreshed
	MaxReconnects  int
	ReconnectWait  time.Duration
	OutboxSize     int
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "room",
		PresenceBucket: "ROOM_PRESENCE",
		PresenceTTL:    30 * time.Second,
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
		OutboxSize:     DefaultOutboxSize,
	}
}

// NATS carries sync events over core NATS subjects and presence over a JetStream
// key-value bucket. Core NATS echoes a connection's own publishes back to it, which
// provides self-delivery.
type NATS struct {
	*core
	config NATSConfig
	clock  clockwork.Clock

	nc     *nats.Conn
	kv     jetstream.KeyValue
	outbox *outbox

	ctx    context.Context
	cancel context.CancelFunc

	subMu     sync.Mutex
	sub       *nats.Subscription
	watcher   jetstream.KeyWatcher
	stopWatch context.CancelFunc
	watching  atomic.Int32 // live presence watchers
}

var _ Channel = (*NATS)(nil)

// DialNATS connects to NATS and prepares the presence bucket for roomID
func DialNATS(ctx context.Context, roomID string, config NATSConfig, clock clockwork.Clock) (*NATS, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &NATS{
		core:   newCore(roomID),
		config: config,
		clock:  clock,
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			c.setStatus(StatusErrored, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Str("room_id", roomID).Msg("NATS reconnected")
			if c.hasSubscription() {
				c.setStatus(StatusSubscribed, nil)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.setStatus(StatusClosed, nil)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("room_id", roomID).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.PresenceBucket,
		Description: "Room presence records",
		TTL:         config.PresenceTTL,
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure presence bucket: %w", err)
	}

	c.nc = nc
	c.kv = kv
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.outbox = newOutbox(roomID, config.OutboxSize, c.send, func(err error) {
		c.setStatus(StatusErrored, err)
	})
	go c.outbox.run(c.ctx)
	go c.refreshPresence(c.ctx)

	return c, nil
}

func (c *NATS) subject() string {
	return fmt.Sprintf("%s.%s.sync", c.config.SubjectPrefix, c.roomID)
}

func (c *NATS) presenceKey(participantID string) string {
	return c.roomID + "." + participantID
}

func (c *NATS) hasSubscription() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.sub != nil
}

func (c *NATS) send(ctx context.Context, data []byte) error {
	return c.nc.Publish(c.subject(), data)
}

// Publish queues ev for the room subject
func (c *NATS) Publish(ev events.SyncEvent) {
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

// Subscribe subscribes to the room subject and starts watching presence
func (c *NATS) Subscribe(ctx context.Context, onEvent EventHandler) (Subscription, error) {
	gen, err := c.bind(onEvent)
	if err != nil {
		return nil, err
	}
	c.setStatus(StatusConnecting, nil)

	sub, err := c.nc.Subscribe(c.subject(), func(msg *nats.Msg) {
		c.deliver(gen, msg.Data)
	})
	if err != nil {
		c.unbind(gen)
		c.setStatus(StatusErrored, err)
		return nil, fmt.Errorf("subscribe to %s: %w", c.subject(), err)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		c.unbind(gen)
		c.setStatus(StatusErrored, err)
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(c.ctx)
	watcher, err := c.kv.Watch(watchCtx, c.roomID+".*")
	if err != nil {
		stopWatch()
		_ = sub.Unsubscribe()
		c.unbind(gen)
		c.setStatus(StatusErrored, err)
		return nil, fmt.Errorf("watch presence: %w", err)
	}
	go c.watchPresence(watchCtx, watcher)

	c.subMu.Lock()
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.stopWatch != nil {
		c.stopWatch()
		_ = c.watcher.Stop()
	}
	c.sub = sub
	c.watcher = watcher
	c.stopWatch = stopWatch
	c.subMu.Unlock()

	c.setStatus(StatusSubscribed, nil)
	log.Info().Str("room_id", c.roomID).Str("subject", c.subject()).Msg("subscribed to room")

	return newSubscription(func() error {
		stopWatch()
		_ = watcher.Stop()
		if !c.unbind(gen) {
			return nil
		}
		c.subMu.Lock()
		if c.sub == sub {
			c.sub = nil
			c.watcher = nil
			c.stopWatch = nil
		}
		c.subMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.untrackAll(ctx)
		c.setStatus(StatusClosed, nil)
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		return nil
	}), nil
}

// watchPresence maintains the snapshot from KV updates. The first nil entry marks the
// end of the initial values, after which every change emits a full snapshot.
func (c *NATS) watchPresence(ctx context.Context, watcher jetstream.KeyWatcher) {
	c.watching.Add(1)
	defer c.watching.Add(-1)

	members := make(events.Members)
	initialized := false

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				initialized = true
				c.setMembers(members)
				continue
			}

			id := strings.TrimPrefix(entry.Key(), c.roomID+".")
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				var p events.Presence
				if err := json.Unmarshal(entry.Value(), &p); err != nil {
					log.Debug().Err(err).Str("key", entry.Key()).Msg("skipping unreadable presence record")
					continue
				}
				members[id] = p
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				delete(members, id)
			}
			if initialized {
				c.setMembers(members)
			}
		}
	}
}

// refreshPresence re-puts tracked records before they expire and reconciles the
// snapshot with the bucket, since TTL expiry does not reach watchers
func (c *NATS) refreshPresence(ctx context.Context) {
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
				if err := c.put(ctx, p); err != nil {
					log.Warn().Err(err).Str("participant_id", p.ParticipantID).Msg("failed to refresh presence")
				}
			}
			if c.hasSubscription() {
				if err := c.reconcilePresence(ctx); err != nil {
					log.Warn().Err(err).Str("room_id", c.roomID).Msg("failed to reconcile presence")
				}
			}
		}
	}
}

func (c *NATS) reconcilePresence(ctx context.Context) error {
	lister, err := c.kv.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list presence keys: %w", err)
	}
	defer lister.Stop()

	prefix := c.roomID + "."
	members := make(events.Members)
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := c.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return fmt.Errorf("get presence %s: %w", key, err)
		}
		var p events.Presence
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			continue
		}
		members[strings.TrimPrefix(key, prefix)] = p
	}

	current := c.Presence()
	if !sameMembers(current, members) {
		c.setMembers(members)
	}
	return nil
}

func (c *NATS) put(ctx context.Context, p events.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if _, err := c.kv.Put(ctx, c.presenceKey(p.ParticipantID), data); err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}

// Track writes p into the presence bucket
func (c *NATS) Track(ctx context.Context, p events.Presence) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if err := c.put(ctx, p); err != nil {
		return err
	}
	c.remember(p)
	return nil
}

// Untrack deletes a participant's presence record
func (c *NATS) Untrack(ctx context.Context, participantID string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.forget(participantID)
	if err := c.kv.Delete(ctx, c.presenceKey(participantID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (c *NATS) untrackAll(ctx context.Context) {
	for _, p := range c.trackedPresences() {
		if err := c.kv.Delete(ctx, c.presenceKey(p.ParticipantID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			log.Warn().Err(err).Str("participant_id", p.ParticipantID).Msg("failed to remove presence")
		}
		c.forget(p.ParticipantID)
	}
}

// Close removes tracked presence and closes the connection. In-flight publishes are dropped.
func (c *NATS) Close() error {
	if !c.markClosed() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.untrackAll(ctx)

	c.outbox.close()
	c.cancel()
	c.nc.Close()
	c.setStatus(StatusClosed, nil)
	return nil
}

func sameMembers(a, b events.Members) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
