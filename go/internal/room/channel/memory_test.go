package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects everything a channel hands to its handlers
type recorder struct {
	mu       sync.Mutex
	events   []events.SyncEvent
	members  []events.Members
	statuses []Status
}

func (r *recorder) onEvent(ev events.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onPresence(m events.Members) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, m)
}

func (r *recorder) onStatus(s Status, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) lastMembers() events.Members {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		return nil
	}
	return r.members[len(r.members)-1]
}

func (r *recorder) snapshotStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) snapshotEvents() []events.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.SyncEvent(nil), r.events...)
}

func open(t *testing.T, bus *MemoryBus, roomID string) (*Memory, *recorder, Subscription) {
	t.Helper()
	ch := bus.Channel(roomID)
	rec := &recorder{}
	ch.OnPresence(rec.onPresence)
	ch.OnStatus(rec.onStatus)
	sub, err := ch.Subscribe(context.Background(), rec.onEvent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, rec, sub
}

func TestMemorySelfDelivery(t *testing.T) {
	bus := NewMemoryBus()
	a, recA, _ := open(t, bus, "ROOM01")
	_, recB, _ := open(t, bus, "ROOM01")
	_, recOther, _ := open(t, bus, "ROOM02")

	a.Publish(events.SyncEvent{Action: events.ActionPlay, Time: 10, OriginID: "a", SentAt: 1})
	a.Publish(events.SyncEvent{Action: events.ActionSeek, Time: 20, OriginID: "a", SentAt: 2})

	require.Eventually(t, func() bool { return recA.eventCount() == 2 && recB.eventCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, events.ActionPlay, recA.snapshotEvents()[0].Action)
	assert.Equal(t, events.ActionSeek, recA.snapshotEvents()[1].Action)
	assert.Equal(t, 0, recOther.eventCount())
	assert.Equal(t, []Status{StatusConnecting, StatusSubscribed}, recA.snapshotStatuses())
}

func TestMemoryDropsMalformed(t *testing.T) {
	bus := NewMemoryBus()
	a, rec, _ := open(t, bus, "ROOM01")

	bus.Broadcast("ROOM01", []byte(`{"action":"play"}`))
	bus.Broadcast("ROOM01", []byte(`garbage`))
	a.Publish(events.SyncEvent{Action: events.ActionPause, Time: 3, SentAt: 1})

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, events.ActionPause, rec.snapshotEvents()[0].Action)
}

func TestMemoryPresenceSnapshots(t *testing.T) {
	bus := NewMemoryBus()
	a, rec, _ := open(t, bus, "ROOM01")
	b, _, _ := open(t, bus, "ROOM01")
	c, _, _ := open(t, bus, "ROOM01")

	now := time.Now()
	ctx := context.Background()
	require.NoError(t, a.Track(ctx, events.NewPresence("a", now)))
	require.NoError(t, b.Track(ctx, events.NewPresence("b", now)))
	require.NoError(t, c.Track(ctx, events.NewPresence("c", now)))

	require.Eventually(t, func() bool { return len(rec.lastMembers()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, a.Presence(), 3)

	// tracking the same participant again is idempotent
	require.NoError(t, a.Track(ctx, events.NewPresence("a", now)))
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return len(rec.lastMembers()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.lastMembers(), "a")
	assert.NotContains(t, rec.lastMembers(), "b")
}

func TestMemoryResubscribeReplacesHandler(t *testing.T) {
	bus := NewMemoryBus()
	a, first, sub := open(t, bus, "ROOM01")

	second := &recorder{}
	_, err := a.Subscribe(context.Background(), second.onEvent)
	require.NoError(t, err)

	a.Publish(events.SyncEvent{Action: events.ActionPlay, Time: 1, SentAt: 1})
	require.Eventually(t, func() bool { return second.eventCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, first.eventCount())

	// a stale handle must not tear down the newer subscription
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	a.Publish(events.SyncEvent{Action: events.ActionPause, Time: 2, SentAt: 2})
	require.Eventually(t, func() bool { return second.eventCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryClose(t *testing.T) {
	bus := NewMemoryBus()
	a, rec, sub := open(t, bus, "ROOM01")

	require.NoError(t, a.Track(context.Background(), events.NewPresence("a", time.Now())))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, sub.Unsubscribe())

	assert.Equal(t, StatusClosed, a.Status())
	assert.Empty(t, bus.Members("ROOM01"))
	assert.ErrorIs(t, a.Track(context.Background(), events.NewPresence("a", time.Now())), ErrChannelClosed)

	_, err := a.Subscribe(context.Background(), rec.onEvent)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestMemoryUnsubscribeRemovesPresence(t *testing.T) {
	bus := NewMemoryBus()
	a, _, sub := open(t, bus, "ROOM01")
	_, recB, _ := open(t, bus, "ROOM01")

	require.NoError(t, a.Track(context.Background(), events.NewPresence("a", time.Now())))
	require.Eventually(t, func() bool { return len(recB.lastMembers()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	assert.Empty(t, bus.Members("ROOM01"))
	require.Eventually(t, func() bool { return len(recB.lastMembers()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusClosed, a.Status())
}
