package channel

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisRoundTrip(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// skip when Redis is not running
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	roomID, err := events.NewRoomID()
	require.NoError(t, err)

	ch, err := DialRedis(ctx, roomID, rdb, DefaultRedisConfig(), clockwork.NewRealClock())
	require.NoError(t, err)
	defer ch.Close()

	rec := &recorder{}
	ch.OnPresence(rec.onPresence)
	_, err = ch.Subscribe(ctx, rec.onEvent)
	require.NoError(t, err)

	require.NoError(t, ch.Track(ctx, events.NewPresence("p1", time.Now())))
	ch.Publish(events.SyncEvent{Action: events.ActionPlay, Time: 4, SentAt: 1})

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.lastMembers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Untrack(ctx, "p1"))
	require.Eventually(t, func() bool { return len(rec.lastMembers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisUnsubscribeRemovesPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	roomID, err := events.NewRoomID()
	require.NoError(t, err)

	ch, err := DialRedis(ctx, roomID, rdb, DefaultRedisConfig(), clockwork.NewRealClock())
	require.NoError(t, err)
	defer ch.Close()

	sub, err := ch.Subscribe(ctx, func(events.SyncEvent) {})
	require.NoError(t, err)
	require.NoError(t, ch.Track(ctx, events.NewPresence("p1", time.Now())))

	exists, err := rdb.HExists(ctx, membersKey(roomID), "p1").Result()
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, sub.Unsubscribe())
	exists, err = rdb.HExists(ctx, membersKey(roomID), "p1").Result()
	require.NoError(t, err)
	require.False(t, exists)
}
